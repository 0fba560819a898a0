// Package middleware 提供 Gin 与 gRPC 的通用中间件（日志、trace、身份、panic recover、限流、指标）
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// gin.Context 中的键
const (
	RequestIDKey = "request_id"
	TraceIDKey   = "trace_id"
	PrincipalKey = "principal"
)

// TraceHeader 上游传入的 trace 头
const TraceHeader = "X-Trace-ID"

// GinLoggingMiddleware 生成 request_id/trace_id，写入 request context 并记录访问日志
func GinLoggingMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Set(TraceIDKey, traceID)
		c.Header("X-Request-ID", requestID)

		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		ctx = logger.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), duration)
		logger.Info(ctx, "HTTP request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status_code", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"duration", duration,
		)
	}
}

// GinRecoveryMiddleware Gin panic 恢复中间件
func GinRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "HTTP request panicked", "panic", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"code":       "INTERNAL",
					"request_id": c.GetString(RequestIDKey),
				})
			}
		}()
		c.Next()
	}
}

// GinCORSMiddleware Gin CORS 中间件
func GinCORSMiddleware(principalHeader string) gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Content-Type", "Content-Length", "Accept-Encoding", "Authorization",
		"accept", "origin", "Cache-Control", "X-Requested-With", TraceHeader, principalHeader,
	}, ", ")
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// GinPrincipalMiddleware 从身份头读取调用方标识；认证由上游网关完成
func GinPrincipalMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p := strings.TrimSpace(c.GetHeader(header)); p != "" {
			c.Set(PrincipalKey, p)
		}
		c.Next()
	}
}

// GRPCLoggingInterceptor gRPC 日志与指标拦截器
func GRPCLoggingInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		traceID := traceIDFromMetadata(ctx)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx = logger.WithTraceID(ctx, traceID)
		ctx = logger.WithRequestID(ctx, uuid.NewString())

		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		st, _ := status.FromError(err)
		m.RecordGRPCRequest(info.FullMethod, st.Code().String(), duration)
		if err != nil {
			logger.Error(ctx, "gRPC request failed",
				"method", info.FullMethod,
				"error_code", st.Code().String(),
				"error_message", st.Message(),
				"duration", duration,
			)
		} else {
			logger.Debug(ctx, "gRPC request completed", "method", info.FullMethod, "duration", duration)
		}
		return resp, err
	}
}

// GRPCRecoveryInterceptor gRPC panic 恢复拦截器
func GRPCRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "gRPC request panicked", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// GRPCRateLimitInterceptor 进程内 gRPC 限流拦截器，limiter 为 nil 时不限流
func GRPCRateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limiter != nil && !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func traceIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(strings.ToLower(TraceHeader)); len(v) > 0 {
		return v[0]
	}
	return ""
}
