// Package client 外部服务客户端
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
)

var dateLayouts = []string{"01/02/2006", "01-02-2006", "2006-01-02"}

// AIVerifierConfig 核验服务客户端配置
type AIVerifierConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	BreakerFailures int
	BreakerTimeout  time.Duration
	// SettlementDecimals 金额换算为最小单位的小数位数
	SettlementDecimals int32
}

// processResponse POST /process-invoice 响应
type processResponse struct {
	Success bool `json:"success"`
	Data    struct {
		InvoiceNumber string `json:"invoice_number"`
		Date          string `json:"date"`
		DueDate       string `json:"due_date"`
		TotalAmount   string `json:"total_amount"`
		BuyerName     string `json:"buyer_name"`
		SellerName    string `json:"seller_name"`
	} `json:"data"`
	Validation struct {
		IsValid  bool     `json:"is_valid"`
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	} `json:"validation"`
	RiskScore struct {
		RiskScore   int      `json:"risk_score"`
		RiskLevel   string   `json:"risk_level"`
		RiskFactors []string `json:"risk_factors"`
	} `json:"risk_score"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// AIVerifier 调用 AI 单据识别服务，外层依次为重试与熔断
type AIVerifier struct {
	http     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	retries  int
	decimals int32
	metrics  *metrics.Metrics
}

// NewAIVerifier 创建客户端
func NewAIVerifier(cfg AIVerifierConfig, m *metrics.Metrics) *AIVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	failures := uint32(cfg.BreakerFailures)

	return &AIVerifier{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai-verifier",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, domain.ErrVerificationUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retries:  cfg.MaxRetries,
		decimals: cfg.SettlementDecimals,
		metrics:  m,
	}
}

// Verify 上传单据并把识别结果换算为外部评分
func (v *AIVerifier) Verify(ctx context.Context, doc domain.Document) (*domain.Verification, error) {
	start := time.Now()
	op := func() (*processResponse, error) {
		out, err := v.breaker.Execute(func() (interface{}, error) {
			return v.process(ctx, doc)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err))
			}
			if !errors.Is(err, domain.ErrVerificationUnavailable) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out.(*processResponse), nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(v.retries+1)),
	)
	if err != nil {
		v.metrics.RecordVerifierCall("error", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	v.metrics.RecordVerifierCall("ok", time.Since(start))
	return v.toVerification(ctx, resp), nil
}

func (v *AIVerifier) process(ctx context.Context, doc domain.Document) (*processResponse, error) {
	filename := doc.Filename
	if filename == "" {
		filename = "invoice.pdf"
	}
	var out processResponse
	resp, err := v.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(doc.Content)).
		SetResult(&out).
		Post("/process-invoice")
	if err != nil {
		// 调用方放弃不算服务故障，不计入熔断
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err)
	}
	switch code := resp.StatusCode(); {
	case code >= http.StatusInternalServerError, code == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", domain.ErrVerificationUnavailable, code)
	case code >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: verifier rejected document with status %d", domain.ErrInvalidRequest, code)
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: verifier reported failure", domain.ErrVerificationUnavailable)
	}
	return &out, nil
}

func (v *AIVerifier) toVerification(ctx context.Context, r *processResponse) *domain.Verification {
	res := &domain.Verification{
		ExternalScore: Confidence(r.RiskScore.RiskScore, len(r.Validation.Errors)),
		InvoiceNumber: r.Data.InvoiceNumber,
		Errors:        r.Validation.Errors,
		Warnings:      r.Validation.Warnings,
	}
	if r.Data.TotalAmount != "" {
		amount, err := ParseAmount(r.Data.TotalAmount, v.decimals)
		if err != nil {
			logger.Warn(ctx, "unparseable invoice amount", "value", r.Data.TotalAmount, "error", err)
		} else {
			res.ExtractedFaceValue = amount
		}
	}
	if r.Data.DueDate != "" {
		if due, err := ParseDate(r.Data.DueDate); err == nil {
			res.ExtractedDueDate = &due
		}
	}
	return res
}

// Health GET /health
func (v *AIVerifier) Health(ctx context.Context) error {
	var out healthResponse
	resp, err := v.http.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err)
	}
	if resp.IsError() || out.Status != "healthy" {
		return fmt.Errorf("%w: health status %d %q", domain.ErrVerificationUnavailable, resp.StatusCode(), out.Status)
	}
	return nil
}

// Confidence 100 − 风险分 − 10 × 校验错误数，截断到 [0,100]
func Confidence(riskScore, validationErrors int) int {
	c := 100 - riskScore - 10*validationErrors
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

// ParseAmount 解析带千分位的金额并换算为最小单位，小数位超出部分舍去
func ParseAmount(s string, decimals int32) (int64, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", " ", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", s)
	}
	scaled := d.Shift(decimals).Floor()
	if !scaled.IsInteger() || scaled.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("amount %s out of range", s)
	}
	return scaled.IntPart(), nil
}

// ParseDate 支持 MM/DD/YYYY、MM-DD-YYYY、YYYY-MM-DD
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
