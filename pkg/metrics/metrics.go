// Package metrics 提供 Prometheus 指标：传输层计数、耗时，以及融资业务指标
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

const namespace = "invoicefinance"

// Metrics 指标集合，nil 接收者上的记录方法为空操作
type Metrics struct {
	registry prometheus.Registerer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// 业务指标
	OperationsTotal     *prometheus.CounterVec
	InvoicesSubmitted   prometheus.Counter
	AssessmentsByTier   *prometheus.CounterVec
	FundedAmount        *prometheus.CounterVec
	RepaidAmount        *prometheus.CounterVec
	DefaultsTotal       *prometheus.CounterVec
	VaultTotalAssets    *prometheus.GaugeVec
	VaultOutstanding    *prometheus.GaugeVec
	VaultTotalShares    *prometheus.GaugeVec
	OutboxRelayed       prometheus.Counter
	VerifierCallsTotal  *prometheus.CounterVec
	VerifierCallLatency prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "http_requests_total", Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "grpc_requests_total", Help: "Total gRPC requests",
		}, []string{"method", "code"}),
		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "grpc_request_duration_seconds", Help: "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "operations_total", Help: "Ledger operations by name and result code",
		}, []string{"operation", "code"}),
		InvoicesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "invoices_submitted_total", Help: "Invoices submitted",
		}),
		AssessmentsByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "assessments_total", Help: "Risk assessments by resulting tier",
		}, []string{"tier"}),
		FundedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "funded_amount_total", Help: "Principal disbursed by tier, smallest units",
		}, []string{"tier"}),
		RepaidAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "repaid_amount_total", Help: "Repayments received by tier, smallest units",
		}, []string{"tier"}),
		DefaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "defaults_total", Help: "Invoices defaulted by tier",
		}, []string{"tier"}),
		VaultTotalAssets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "vault_total_assets", Help: "Vault NAV by tier",
		}, []string{"tier"}),
		VaultOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "vault_outstanding_funded", Help: "Vault deployed principal by tier",
		}, []string{"tier"}),
		VaultTotalShares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "vault_total_shares", Help: "Vault shares outstanding by tier",
		}, []string{"tier"}),
		OutboxRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "outbox_relayed_total", Help: "Outbox messages published",
		}),
		VerifierCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "verifier_calls_total", Help: "Document verifier calls by outcome",
		}, []string{"outcome"}),
		VerifierCallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: serviceName,
			Name: "verifier_call_duration_seconds", Help: "Document verifier latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register 注册到 reg，reg 为 nil 时使用默认注册表
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.GRPCRequestsTotal, m.GRPCRequestDuration,
		m.OperationsTotal, m.InvoicesSubmitted, m.AssessmentsByTier,
		m.FundedAmount, m.RepaidAmount, m.DefaultsTotal,
		m.VaultTotalAssets, m.VaultOutstanding, m.VaultTotalShares,
		m.OutboxRelayed, m.VerifierCallsTotal, m.VerifierCallLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}
	m.registry = reg
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器，ctx 取消时关闭
func StartHTTPServer(ctx context.Context, port int, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "Starting Prometheus HTTP server", "addr", srv.Addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, fmt.Sprint(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordGRPCRequest 记录 gRPC 请求
func (m *Metrics) RecordGRPCRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordOperation 记录一次业务操作的结果码
func (m *Metrics) RecordOperation(operation, code string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, code).Inc()
}

// RecordSubmission 记录发票提交
func (m *Metrics) RecordSubmission() {
	if m == nil {
		return
	}
	m.InvoicesSubmitted.Inc()
}

// RecordAssessment 记录评估结果
func (m *Metrics) RecordAssessment(tier string) {
	if m == nil {
		return
	}
	m.AssessmentsByTier.WithLabelValues(tier).Inc()
}

// RecordFunding 记录放款
func (m *Metrics) RecordFunding(tier string, amount int64) {
	if m == nil {
		return
	}
	m.FundedAmount.WithLabelValues(tier).Add(float64(amount))
}

// RecordRepayment 记录回款
func (m *Metrics) RecordRepayment(tier string, amount int64) {
	if m == nil {
		return
	}
	m.RepaidAmount.WithLabelValues(tier).Add(float64(amount))
}

// RecordDefault 记录违约
func (m *Metrics) RecordDefault(tier string) {
	if m == nil {
		return
	}
	m.DefaultsTotal.WithLabelValues(tier).Inc()
}

// SetVault 更新资金池快照
func (m *Metrics) SetVault(tier string, totalAssets, outstanding, totalShares int64) {
	if m == nil {
		return
	}
	m.VaultTotalAssets.WithLabelValues(tier).Set(float64(totalAssets))
	m.VaultOutstanding.WithLabelValues(tier).Set(float64(outstanding))
	m.VaultTotalShares.WithLabelValues(tier).Set(float64(totalShares))
}

// RecordOutboxRelayed 记录已投递的 outbox 消息
func (m *Metrics) RecordOutboxRelayed(n int) {
	if m == nil {
		return
	}
	m.OutboxRelayed.Add(float64(n))
}

// RecordVerifierCall 记录核验服务调用
func (m *Metrics) RecordVerifierCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.VerifierCallsTotal.WithLabelValues(outcome).Inc()
	m.VerifierCallLatency.Observe(d.Seconds())
}
