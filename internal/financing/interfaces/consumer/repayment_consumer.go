// Package consumer 消费稳定币通道的回款通知
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/mq"
)

// RepaymentNotice 通道回款通知，payer 钱包应已由通道入金
type RepaymentNotice struct {
	InvoiceID string `json:"invoice_id"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Reader 消息读取端
type Reader interface {
	FetchMessage(ctx context.Context) (*mq.Message, error)
	CommitMessages(ctx context.Context, msgs ...*mq.Message) error
}

// DeadLetter 死信投递
type DeadLetter interface {
	Send(ctx context.Context, msg *mq.Message, reason error) error
}

// Repayer 回款入账
type Repayer interface {
	ReportRepayment(ctx context.Context, cmd application.ReportRepaymentCommand) (*application.InvoiceDTO, error)
}

// RepaymentConsumer 回款消费者，处理完成后提交偏移量
type RepaymentConsumer struct {
	reader     Reader
	repayer    Repayer
	dlq        DeadLetter
	maxRetries uint
}

// NewRepaymentConsumer dlq 为 nil 时无法处理的消息仅记录日志
func NewRepaymentConsumer(reader Reader, repayer Repayer, dlq DeadLetter, maxRetries int) *RepaymentConsumer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RepaymentConsumer{reader: reader, repayer: repayer, dlq: dlq, maxRetries: uint(maxRetries)}
}

// Start 循环消费直到 ctx 结束
func (c *RepaymentConsumer) Start(ctx context.Context) error {
	logger.Info(ctx, "repayment consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "fetch repayment message failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.Handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "commit repayment message failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle 处理单条消息；永久性错误进入死信，暂时性错误按指数退避重试
func (c *RepaymentConsumer) Handle(ctx context.Context, msg *mq.Message) {
	var notice RepaymentNotice
	if err := msg.UnmarshalPayload(&notice); err != nil {
		c.deadLetter(ctx, msg, fmt.Errorf("%w: malformed repayment notice: %v", domain.ErrInvalidRequest, err))
		return
	}

	op := func() (*application.InvoiceDTO, error) {
		inv, err := c.repayer.ReportRepayment(ctx, application.ReportRepaymentCommand{
			Caller:    notice.Payer,
			InvoiceID: notice.InvoiceID,
			Amount:    notice.Amount,
		})
		if err != nil && domain.Code(err) != domain.CodeInternal {
			return nil, backoff.Permanent(err)
		}
		return inv, err
	}
	inv, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxRetries+1),
	)
	switch {
	case err == nil:
		logger.Info(ctx, "rail repayment applied", "invoice_id", inv.ID, "reference", notice.Reference, "amount", notice.Amount)
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Warn(ctx, "rail repayment ignored", "invoice_id", notice.InvoiceID, "reference", notice.Reference, "error", err)
	case ctx.Err() != nil:
	default:
		c.deadLetter(ctx, msg, err)
	}
}

func (c *RepaymentConsumer) deadLetter(ctx context.Context, msg *mq.Message, reason error) {
	logger.Error(ctx, "rail repayment rejected", "offset", msg.Offset, "key", msg.Key, "error", reason)
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Send(ctx, msg, reason); err != nil {
		logger.Error(ctx, "dead letter send failed", "offset", msg.Offset, "error", err)
	}
}
