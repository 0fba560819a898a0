package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/mysql"
)

type fakeOutbox struct {
	pending []mysql.OutboxMessage
	sent    []int64
}

func (o *fakeOutbox) FetchPending(_ context.Context, limit int) ([]mysql.OutboxMessage, error) {
	var out []mysql.OutboxMessage
	for _, m := range o.pending {
		if len(out) == limit {
			break
		}
		if !o.isSent(m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (o *fakeOutbox) isSent(id int64) bool {
	for _, s := range o.sent {
		if s == id {
			return true
		}
	}
	return false
}

func (o *fakeOutbox) MarkSent(_ context.Context, ids []int64) error {
	o.sent = append(o.sent, ids...)
	return nil
}

type fakeProducer struct {
	failOn string
	keys   []string
}

func (p *fakeProducer) SendMessage(_ context.Context, _, key string, _ any) error {
	if key == p.failOn {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	return nil
}

func TestRelayOnceStopsAtFirstFailure(t *testing.T) {
	outbox := &fakeOutbox{pending: []mysql.OutboxMessage{
		{ID: 1, Topic: "financing.events", Key: "INV-1"},
		{ID: 2, Topic: "financing.events", Key: "INV-2"},
		{ID: 3, Topic: "financing.events", Key: "INV-3"},
	}}
	producer := &fakeProducer{failOn: "INV-2"}
	relay := NewOutboxRelay(outbox, producer, nil, 0, 10)

	n, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, outbox.sent)

	producer.failOn = ""
	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"INV-1", "INV-2", "INV-3"}, producer.keys)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
