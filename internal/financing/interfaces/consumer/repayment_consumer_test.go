package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/mq"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []*mq.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (*mq.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...*mq.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeRepayer struct {
	mu    sync.Mutex
	calls []application.ReportRepaymentCommand
	errs  []error
}

func (f *fakeRepayer) ReportRepayment(_ context.Context, cmd application.ReportRepaymentCommand) (*application.InvoiceDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &application.InvoiceDTO{ID: cmd.InvoiceID, Status: "REPAID"}, nil
}

type fakeDLQ struct {
	reasons []error
}

func (d *fakeDLQ) Send(_ context.Context, _ *mq.Message, reason error) error {
	d.reasons = append(d.reasons, reason)
	return nil
}

func notice(offset int64, body string) *mq.Message {
	return &mq.Message{Topic: "rail.repayments", Offset: offset, Key: fmt.Sprintf("k-%d", offset), Value: []byte(body)}
}

func TestHandleAppliesRepayment(t *testing.T) {
	repayer := &fakeRepayer{}
	dlq := &fakeDLQ{}
	c := NewRepaymentConsumer(&fakeReader{}, repayer, dlq, 2)

	c.Handle(context.Background(), notice(1, `{"invoice_id":"INV-1","payer":"buyer","amount":9180,"reference":"tx-1"}`))

	require.Len(t, repayer.calls, 1)
	assert.Equal(t, application.ReportRepaymentCommand{Caller: "buyer", InvoiceID: "INV-1", Amount: 9180}, repayer.calls[0])
	assert.Empty(t, dlq.reasons)
}

func TestHandleClassifiesFailures(t *testing.T) {
	t.Run("malformed payload", func(t *testing.T) {
		repayer := &fakeRepayer{}
		dlq := &fakeDLQ{}
		NewRepaymentConsumer(&fakeReader{}, repayer, dlq, 2).Handle(context.Background(), notice(1, `not-json`))
		assert.Empty(t, repayer.calls)
		require.Len(t, dlq.reasons, 1)
		assert.ErrorIs(t, dlq.reasons[0], domain.ErrInvalidRequest)
	})

	t.Run("already settled", func(t *testing.T) {
		repayer := &fakeRepayer{errs: []error{domain.ErrInvalidTransition}}
		dlq := &fakeDLQ{}
		NewRepaymentConsumer(&fakeReader{}, repayer, dlq, 2).Handle(context.Background(), notice(1, `{"invoice_id":"INV-1","payer":"buyer","amount":9180}`))
		assert.Len(t, repayer.calls, 1)
		assert.Empty(t, dlq.reasons)
	})

	t.Run("short payment is not retried", func(t *testing.T) {
		repayer := &fakeRepayer{errs: []error{fmt.Errorf("%w: below obligation", domain.ErrInvalidAmount)}}
		dlq := &fakeDLQ{}
		NewRepaymentConsumer(&fakeReader{}, repayer, dlq, 2).Handle(context.Background(), notice(1, `{"invoice_id":"INV-1","payer":"buyer","amount":10}`))
		assert.Len(t, repayer.calls, 1)
		require.Len(t, dlq.reasons, 1)
		assert.ErrorIs(t, dlq.reasons[0], domain.ErrInvalidAmount)
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		repayer := &fakeRepayer{errs: []error{errors.New("deadlock")}}
		dlq := &fakeDLQ{}
		NewRepaymentConsumer(&fakeReader{}, repayer, dlq, 2).Handle(context.Background(), notice(1, `{"invoice_id":"INV-1","payer":"buyer","amount":9180}`))
		assert.Len(t, repayer.calls, 2)
		assert.Empty(t, dlq.reasons)
	})
}

func TestStartCommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{pending: []*mq.Message{
		notice(7, `{"invoice_id":"INV-1","payer":"buyer","amount":9180}`),
		notice(8, `garbage`),
	}}
	c := NewRepaymentConsumer(reader, &fakeRepayer{}, &fakeDLQ{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{7, 8}, reader.Committed())
}
