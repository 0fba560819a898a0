package domain

import (
	"context"
	"time"
)

// Snapshot 持久化的完整账本状态
type Snapshot struct {
	Roles          []*RoleAssignment
	Invoices       []*Invoice
	Vaults         []*Vault
	Positions      []*Position
	Accounts       []*Account
	Supply         int64
	LastPostingSeq int64
}

// ChangeSet 一次事务的全部变更，须整体持久化
type ChangeSet struct {
	Roles           []*RoleAssignment
	RevokedRoles    []RoleKey
	Invoices        []*Invoice
	Vaults          []*Vault
	Positions       []*Position
	ClosedPositions []PositionKey
	Accounts        []*Account
	Postings        []Posting
	Supply          int64
	LastPostingSeq  int64
	Events          []Event
}

// Empty 是否无任何变更
func (c ChangeSet) Empty() bool {
	return len(c.Roles) == 0 && len(c.RevokedRoles) == 0 && len(c.Invoices) == 0 &&
		len(c.Vaults) == 0 && len(c.Positions) == 0 && len(c.ClosedPositions) == 0 &&
		len(c.Accounts) == 0 && len(c.Postings) == 0 && len(c.Events) == 0
}

// StateStore 账本持久化接口。Commit 必须原子：要么全部写入，要么全部不写
type StateStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, changes ChangeSet) error
}

// Projector 读模型投影，尽力而为，失败不影响主流程
type Projector interface {
	ProjectInvoices(ctx context.Context, invoices []*Invoice) error
	ProjectVaults(ctx context.Context, vaults []*Vault) error
}

// Document 待核验的发票原件
type Document struct {
	Filename string
	Content  []byte
}

// Verification 外部核验结果
type Verification struct {
	// ExternalScore 核验置信度 0-100，作为风险引擎的外部评分
	ExternalScore int
	InvoiceNumber string
	// ExtractedFaceValue 识别出的金额（最小单位），未识别为 0
	ExtractedFaceValue int64
	ExtractedDueDate   *time.Time
	Errors             []string
	Warnings           []string
}

// Verifier 单据核验服务。服务不可用时返回 ErrVerificationUnavailable
type Verifier interface {
	Verify(ctx context.Context, doc Document) (*Verification, error)
}
