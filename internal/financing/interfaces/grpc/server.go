// Package grpc gRPC 入口：健康检查、反射与通用拦截器
package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
	"github.com/wyfcoding/invoicefinance/pkg/middleware"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 对外暴露的健康检查服务名
const ServiceName = "invoicefinance.v1.Financing"

// Probe 依赖探活，返回 nil 表示可用
type Probe func(ctx context.Context) error

// ServerConfig gRPC 服务配置
type ServerConfig struct {
	MaxConcurrentStreams uint32
	// RateLimit 每秒请求数，0 表示不限
	RateLimit float64
	RateBurst int
}

// Server gRPC 服务
type Server struct {
	srv    *grpc.Server
	health *health.Server

	mu     sync.Mutex
	probes map[string]Probe
}

// NewServer 创建 gRPC 服务并注册健康检查与反射
func NewServer(cfg ServerConfig, m *metrics.Metrics) *Server {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			middleware.GRPCRecoveryInterceptor(),
			middleware.GRPCLoggingInterceptor(m),
			middleware.GRPCRateLimitInterceptor(limiter),
		),
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}

	s := &Server{
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		probes: make(map[string]Probe),
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	reflection.Register(s.srv)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// AddProbe 注册依赖探活，name 作为健康检查的服务名
func (s *Server) AddProbe(name string, p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = p
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
}

// CheckOnce 执行一次全部探活并更新健康状态
func (s *Server) CheckOnce(ctx context.Context) {
	s.mu.Lock()
	probes := make(map[string]Probe, len(s.probes))
	for name, p := range s.probes {
		probes[name] = p
	}
	s.mu.Unlock()

	for name, p := range probes {
		status := healthpb.HealthCheckResponse_SERVING
		if err := p(ctx); err != nil {
			logger.Warn(ctx, "dependency probe failed", "dependency", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, status)
	}
}

// WatchProbes 周期性探活，直到 ctx 结束
func (s *Server) WatchProbes(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.CheckOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// Serve 阻塞直到监听关闭
func (s *Server) Serve(lis net.Listener) error {
	logger.Info(context.Background(), "gRPC server starting", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// GracefulStop 先将健康状态置为 NOT_SERVING 再停止
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
