package domain

import (
	"fmt"
	"time"
)

// SubmitInvoice 提交发票，调用方成为出票人
func (tx *Tx) SubmitInvoice(id, issuer, debtor string, faceValue int64, dueDate time.Time, documentHash string) (*Invoice, error) {
	if _, exists := tx.s.invoices[id]; exists {
		return nil, fmt.Errorf("%w: invoice %s already exists", ErrInvalidRequest, id)
	}
	if _, exists := tx.invoices[id]; exists {
		return nil, fmt.Errorf("%w: invoice %s already exists", ErrInvalidRequest, id)
	}
	inv, err := NewInvoice(id, issuer, debtor, faceValue, dueDate, documentHash, tx.now)
	if err != nil {
		return nil, err
	}
	tx.invoices[id] = inv
	tx.emit(InvoiceSubmittedEvent{
		BaseEvent: tx.base(id),
		Issuer:    issuer,
		Debtor:    debtor,
		FaceValue: faceValue,
		DueDate:   inv.DueDate,
	})
	return inv.Clone(), nil
}

// AssessInvoice 提交风险评估：Uploaded → Validated / Rejected，仅 Validator 可调用
func (tx *Tx) AssessInvoice(caller, invoiceID string, externalScore int) (*Invoice, error) {
	if err := tx.requireRole(caller, RoleValidator); err != nil {
		return nil, err
	}
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Assessed || inv.Status != InvoiceStatusUploaded {
		return nil, fmt.Errorf("%w: invoice %s is %s", ErrAlreadyAssessed, inv.ID, inv.Status)
	}
	a, err := tx.s.engine.Assess(inv.FaceValue, inv.DueDate, externalScore, tx.now)
	if err != nil {
		return nil, err
	}
	if err := inv.applyAssessment(a, tx.now); err != nil {
		return nil, err
	}
	tx.emit(InvoiceAssessedEvent{
		BaseEvent:     tx.base(inv.ID),
		ExternalScore: a.ExternalScore,
		RiskScore:     a.RiskScore,
		Tier:          a.Tier,
		AdvanceRate:   a.AdvanceRate.String(),
		Status:        inv.Status.String(),
	})
	return inv.Clone(), nil
}

// RecordDocumentHash 在评估前记录核验过的单据摘要
func (tx *Tx) RecordDocumentHash(invoiceID, hash string) error {
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return err
	}
	if inv.Status != InvoiceStatusUploaded {
		return fmt.Errorf("%w: invoice %s is %s", ErrAlreadyAssessed, inv.ID, inv.Status)
	}
	if inv.DocumentHash == hash {
		return nil
	}
	if inv.DocumentHash != "" {
		return fmt.Errorf("%w: document hash mismatch for invoice %s", ErrInvalidRequest, inv.ID)
	}
	inv.DocumentHash = hash
	inv.touch(tx.now)
	return nil
}

// TokenizeInvoice Validated → Tokenized，仅 Minter 可调用
func (tx *Tx) TokenizeInvoice(caller, invoiceID string) (*Invoice, error) {
	if err := tx.requireRole(caller, RoleMinter); err != nil {
		return nil, err
	}
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if err := inv.tokenize(tx.now); err != nil {
		return nil, err
	}
	tx.emit(InvoiceTokenizedEvent{BaseEvent: tx.base(inv.ID), Minter: caller})
	return inv.Clone(), nil
}
