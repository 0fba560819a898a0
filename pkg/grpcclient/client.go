// Package grpcclient gRPC 客户端工厂：超时、重试与 trace 透传，并提供健康检查调用
package grpcclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClientConfig gRPC 客户端配置
type ClientConfig struct {
	Target string
	// 连接超时
	ConnTimeout time.Duration
	// 单次请求超时，0 表示不额外设置
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	// 额外拨号选项，测试时用于注入 bufconn
	DialOptions []grpc.DialOption
}

// NewClient 创建连接（惰性拨号）
func NewClient(cfg ClientConfig) (*grpc.ClientConn, error) {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 5 * time.Second
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   cfg.ConnTimeout,
				Multiplier: 1.6,
				Jitter:     0.2,
			},
			MinConnectTimeout: cfg.ConnTimeout,
		}),
		grpc.WithUnaryInterceptor(unaryClientInterceptor(cfg)),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gRPC client for %s: %w", cfg.Target, err)
	}
	return conn, nil
}

// unaryClientInterceptor 超时、trace 透传与可重试状态码的重试
func unaryClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
		}
		if traceID := logger.TraceID(ctx); traceID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, strings.ToLower(middleware.TraceHeader), traceID)
		}

		start := time.Now()
		var lastErr error
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			lastErr = invoker(ctx, method, req, reply, cc, opts...)
			if lastErr == nil {
				logger.Debug(ctx, "gRPC request succeeded", "method", method, "duration", time.Since(start))
				return nil
			}
			if !shouldRetry(status.Code(lastErr)) || attempt == cfg.MaxRetries {
				break
			}
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		logger.Warn(ctx, "gRPC request failed", "method", method, "duration", time.Since(start), "error", lastErr)
		return lastErr
	}
}

func shouldRetry(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// CheckHealth 调用标准健康检查服务，service 为空时检查整体状态
func CheckHealth(ctx context.Context, conn *grpc.ClientConn, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
