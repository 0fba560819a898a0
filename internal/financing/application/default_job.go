package application

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// DefaultScanJob 定期扫描超过宽限期仍未回款的发票并按零追回核销。
// 扫描主体需持有 VALIDATOR 角色
type DefaultScanJob struct {
	svc      *FinancingService
	scanner  string
	interval time.Duration
}

// NewDefaultScanJob 创建违约扫描任务
func NewDefaultScanJob(svc *FinancingService, scanner string, interval time.Duration) *DefaultScanJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DefaultScanJob{svc: svc, scanner: scanner, interval: interval}
}

// Start 阻塞运行直到 ctx 取消
func (j *DefaultScanJob) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	logger.Info(ctx, "default scan job started", "scanner", j.scanner, "interval", j.interval.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "default scan job stopped")
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				logger.Error(ctx, "default scan failed", "error", err)
			}
		}
	}
}

// RunOnce 执行一轮扫描，返回核销数量。单张失败不影响其余发票
func (j *DefaultScanJob) RunOnce(ctx context.Context) (int, error) {
	overdue := j.svc.OverdueInvoices(ctx)
	marked := 0
	var errs []error
	for _, inv := range overdue {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		_, err := j.svc.MarkDefault(ctx, MarkDefaultCommand{Caller: j.scanner, InvoiceID: inv.ID})
		switch {
		case err == nil:
			marked++
		case errors.Is(err, domain.ErrInvalidTransition):
			// 扫描与人工处理并发时状态已变化
		default:
			errs = append(errs, err)
		}
	}
	if marked > 0 {
		logger.Info(ctx, "default scan completed", "overdue", len(overdue), "defaulted", marked)
	}
	return marked, errors.Join(errs...)
}
