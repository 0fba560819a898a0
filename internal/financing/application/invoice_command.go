package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// SubmitInvoice 提交发票，调用方成为出票人
func (s *FinancingService) SubmitInvoice(ctx context.Context, cmd SubmitInvoiceCommand) (*InvoiceDTO, error) {
	if cmd.Caller == "" {
		return nil, fmt.Errorf("%w: caller is required", domain.ErrUnauthorized)
	}
	id := s.newID()

	var inv *domain.Invoice
	err := s.execute(ctx, "submit_invoice", func(tx *domain.Tx) error {
		var err error
		inv, err = tx.SubmitInvoice(id, cmd.Caller, cmd.Debtor, cmd.FaceValue, cmd.DueDate, cmd.DocumentHash)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "submit_invoice", err, "issuer", cmd.Caller)
		return nil, err
	}
	s.metrics.RecordSubmission()
	logger.Info(ctx, "invoice submitted", "invoice_id", inv.ID, "issuer", inv.Issuer, "face_value", inv.FaceValue)
	return toInvoiceDTO(inv), nil
}

// AssessInvoice 以给定外部评分评估发票
func (s *FinancingService) AssessInvoice(ctx context.Context, cmd AssessInvoiceCommand) (*InvoiceDTO, error) {
	return s.assess(ctx, "assess_invoice", cmd.Caller, cmd.InvoiceID, cmd.ExternalScore, "")
}

// VerifyInvoice 先在锁外调用核验服务取得外部评分，再提交评估。
// 核验失败或 ctx 取消时发票保持 Uploaded
func (s *FinancingService) VerifyInvoice(ctx context.Context, cmd VerifyInvoiceCommand) (*InvoiceDTO, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured", domain.ErrVerificationUnavailable)
	}
	if len(cmd.Document) == 0 {
		return nil, fmt.Errorf("%w: document is empty", domain.ErrInvalidRequest)
	}

	s.mu.RLock()
	inv, found := s.state.Invoice(cmd.InvoiceID)
	allowed := s.state.HasRole(cmd.Caller, domain.RoleValidator)
	s.mu.RUnlock()
	switch {
	case !allowed:
		return nil, fmt.Errorf("%w: %q is not %s", domain.ErrUnauthorized, cmd.Caller, domain.RoleValidator)
	case !found:
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, cmd.InvoiceID)
	case inv.Status != domain.InvoiceStatusUploaded:
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrAlreadyAssessed, inv.ID, inv.Status)
	}

	sum := sha256.Sum256(cmd.Document)
	hash := hex.EncodeToString(sum[:])

	done := logger.LogDuration(ctx, "invoice document verified", "invoice_id", inv.ID)
	result, err := s.verifier.Verify(ctx, domain.Document{Filename: cmd.Filename, Content: cmd.Document})
	done()
	if err != nil {
		s.logFailure(ctx, "verify_invoice", err, "invoice_id", cmd.InvoiceID)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if result.ExtractedFaceValue > 0 && result.ExtractedFaceValue != inv.FaceValue {
		logger.Warn(ctx, "verified amount differs from declared face value",
			"invoice_id", inv.ID, "declared", inv.FaceValue, "extracted", result.ExtractedFaceValue)
	}
	return s.assess(ctx, "verify_invoice", cmd.Caller, cmd.InvoiceID, result.ExternalScore, hash)
}

func (s *FinancingService) assess(ctx context.Context, op, caller, invoiceID string, externalScore int, documentHash string) (*InvoiceDTO, error) {
	var inv *domain.Invoice
	err := s.execute(ctx, op, func(tx *domain.Tx) error {
		if documentHash != "" {
			if err := tx.RecordDocumentHash(invoiceID, documentHash); err != nil {
				return err
			}
		}
		var err error
		inv, err = tx.AssessInvoice(caller, invoiceID, externalScore)
		return err
	})
	if err != nil {
		s.logFailure(ctx, op, err, "invoice_id", invoiceID)
		return nil, err
	}
	s.metrics.RecordAssessment(string(inv.Tier))
	logger.Info(ctx, "invoice assessed", "invoice_id", inv.ID, "risk_score", inv.RiskScore, "tier", inv.Tier, "status", inv.Status.String())
	return toInvoiceDTO(inv), nil
}

// TokenizeInvoice Validated → Tokenized
func (s *FinancingService) TokenizeInvoice(ctx context.Context, cmd InvoiceActionCommand) (*InvoiceDTO, error) {
	var inv *domain.Invoice
	err := s.execute(ctx, "tokenize_invoice", func(tx *domain.Tx) error {
		var err error
		inv, err = tx.TokenizeInvoice(cmd.Caller, cmd.InvoiceID)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "tokenize_invoice", err, "invoice_id", cmd.InvoiceID)
		return nil, err
	}
	return toInvoiceDTO(inv), nil
}

// RequestFunding 从对应资金池放款
func (s *FinancingService) RequestFunding(ctx context.Context, cmd InvoiceActionCommand) (*InvoiceDTO, error) {
	var inv *domain.Invoice
	err := s.execute(ctx, "request_funding", func(tx *domain.Tx) error {
		var err error
		inv, err = tx.FundInvoice(cmd.Caller, cmd.InvoiceID)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "request_funding", err, "invoice_id", cmd.InvoiceID)
		return nil, err
	}
	s.metrics.RecordFunding(string(inv.Tier), inv.FundedAmount)
	logger.Info(ctx, "invoice funded", "invoice_id", inv.ID, "tier", inv.Tier, "amount", inv.FundedAmount)
	return toInvoiceDTO(inv), nil
}

// ReportRepayment 回款结清
func (s *FinancingService) ReportRepayment(ctx context.Context, cmd ReportRepaymentCommand) (*InvoiceDTO, error) {
	var inv *domain.Invoice
	err := s.execute(ctx, "report_repayment", func(tx *domain.Tx) error {
		var err error
		inv, err = tx.ReportRepayment(cmd.Caller, cmd.InvoiceID, cmd.Amount)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "report_repayment", err, "invoice_id", cmd.InvoiceID)
		return nil, err
	}
	s.metrics.RecordRepayment(string(inv.Tier), inv.AmountRepaid)
	logger.Info(ctx, "invoice repaid", "invoice_id", inv.ID, "amount", inv.AmountRepaid)
	return toInvoiceDTO(inv), nil
}

// MarkDefault 违约核销
func (s *FinancingService) MarkDefault(ctx context.Context, cmd MarkDefaultCommand) (*InvoiceDTO, error) {
	var inv *domain.Invoice
	err := s.execute(ctx, "mark_default", func(tx *domain.Tx) error {
		var err error
		inv, err = tx.MarkDefault(cmd.Caller, cmd.InvoiceID, cmd.RecoveredAmount, cmd.RecoveryPayer)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "mark_default", err, "invoice_id", cmd.InvoiceID)
		return nil, err
	}
	s.metrics.RecordDefault(string(inv.Tier))
	logger.Warn(ctx, "invoice defaulted", "invoice_id", inv.ID, "tier", inv.Tier, "loss", inv.LossAmount)
	return toInvoiceDTO(inv), nil
}
