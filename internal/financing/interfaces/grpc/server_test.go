package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/invoicefinance/pkg/grpcclient"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func dial(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.GracefulStop)

	conn, err := grpcclient.NewClient(grpcclient.ClientConfig{
		Target:     "passthrough:///bufnet",
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthReflectsProbes(t *testing.T) {
	s := NewServer(ServerConfig{RateLimit: 1000}, nil)
	healthy := true
	s.AddProbe("verifier", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("engine down")
	})
	conn := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := grpcclient.CheckHealth(ctx, conn, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	s.CheckOnce(ctx)
	st, err = grpcclient.CheckHealth(ctx, conn, "verifier")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	healthy = false
	s.CheckOnce(ctx)
	st, err = grpcclient.CheckHealth(ctx, conn, "verifier")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = grpcclient.CheckHealth(ctx, conn, "unknown")
	assert.Error(t, err)
}
