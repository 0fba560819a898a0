package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
)

// InvoicePO 发票持久化对象
type InvoicePO struct {
	InvoiceID     string     `gorm:"column:invoice_id;type:varchar(64);primaryKey"`
	Issuer        string     `gorm:"column:issuer;type:varchar(128);index;not null"`
	Debtor        string     `gorm:"column:debtor;type:varchar(128);not null"`
	FaceValue     int64      `gorm:"column:face_value;not null"`
	DueDate       time.Time  `gorm:"column:due_date;not null"`
	Status        int8       `gorm:"column:status;index;not null"`
	Assessed      bool       `gorm:"column:assessed;not null"`
	ExternalScore int        `gorm:"column:external_score;not null"`
	RiskScore     int        `gorm:"column:risk_score;not null"`
	Tier          string     `gorm:"column:tier;type:varchar(16);index"`
	AdvanceRate   string     `gorm:"column:advance_rate;type:varchar(32)"`
	DocumentHash  string     `gorm:"column:document_hash;type:varchar(128)"`
	FundedAmount  int64      `gorm:"column:funded_amount;not null"`
	Obligation    int64      `gorm:"column:obligation;not null;default:0"`
	FundedAt      *time.Time `gorm:"column:funded_at"`
	AmountRepaid  int64      `gorm:"column:amount_repaid;not null"`
	LossAmount    int64      `gorm:"column:loss_amount;not null"`
	SettledAt     *time.Time `gorm:"column:settled_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null"`
	Version       int64      `gorm:"column:version;not null"`
}

func (InvoicePO) TableName() string { return "financing_invoices" }

func invoiceFromDomain(inv *domain.Invoice) *InvoicePO {
	po := &InvoicePO{
		InvoiceID:     inv.ID,
		Issuer:        inv.Issuer,
		Debtor:        inv.Debtor,
		FaceValue:     inv.FaceValue,
		DueDate:       inv.DueDate,
		Status:        int8(inv.Status),
		Assessed:      inv.Assessed,
		ExternalScore: inv.ExternalScore,
		RiskScore:     inv.RiskScore,
		Tier:          string(inv.Tier),
		DocumentHash:  inv.DocumentHash,
		FundedAmount:  inv.FundedAmount,
		Obligation:    inv.Obligation,
		FundedAt:      inv.FundedAt,
		AmountRepaid:  inv.AmountRepaid,
		LossAmount:    inv.LossAmount,
		SettledAt:     inv.SettledAt,
		CreatedAt:     inv.CreatedAt,
		UpdatedAt:     inv.UpdatedAt,
		Version:       inv.Version,
	}
	if inv.Assessed {
		po.AdvanceRate = inv.AdvanceRate.String()
	}
	return po
}

// ToDomain 转换为领域对象
func (po *InvoicePO) ToDomain() (*domain.Invoice, error) {
	inv := &domain.Invoice{
		ID:            po.InvoiceID,
		Issuer:        po.Issuer,
		Debtor:        po.Debtor,
		FaceValue:     po.FaceValue,
		DueDate:       po.DueDate.UTC(),
		Status:        domain.InvoiceStatus(po.Status),
		Assessed:      po.Assessed,
		ExternalScore: po.ExternalScore,
		RiskScore:     po.RiskScore,
		Tier:          domain.Tier(po.Tier),
		DocumentHash:  po.DocumentHash,
		FundedAmount:  po.FundedAmount,
		Obligation:    po.Obligation,
		FundedAt:      utcPtr(po.FundedAt),
		AmountRepaid:  po.AmountRepaid,
		LossAmount:    po.LossAmount,
		SettledAt:     utcPtr(po.SettledAt),
		CreatedAt:     po.CreatedAt.UTC(),
		UpdatedAt:     po.UpdatedAt.UTC(),
		Version:       po.Version,
	}
	if po.AdvanceRate != "" {
		rate, err := decimal.NewFromString(po.AdvanceRate)
		if err != nil {
			return nil, err
		}
		inv.AdvanceRate = rate
	}
	return inv, nil
}

// VaultPO 资金池持久化对象
type VaultPO struct {
	Tier              string    `gorm:"column:tier;type:varchar(16);primaryKey"`
	TotalAssets       int64     `gorm:"column:total_assets;not null"`
	TotalShares       int64     `gorm:"column:total_shares;not null"`
	OutstandingFunded int64     `gorm:"column:outstanding_funded;not null"`
	ReserveRatio      string    `gorm:"column:reserve_ratio;type:varchar(32);not null"`
	TargetYield       string    `gorm:"column:target_yield;type:varchar(32);not null"`
	RealizedYield     int64     `gorm:"column:realized_yield;not null"`
	RealizedLoss      int64     `gorm:"column:realized_loss;not null"`
	FeesCollected     int64     `gorm:"column:fees_collected;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
	Version           int64     `gorm:"column:version;not null"`
}

func (VaultPO) TableName() string { return "financing_vaults" }

func vaultFromDomain(v *domain.Vault) *VaultPO {
	return &VaultPO{
		Tier:              string(v.Tier),
		TotalAssets:       v.TotalAssets,
		TotalShares:       v.TotalShares,
		OutstandingFunded: v.OutstandingFunded,
		ReserveRatio:      v.ReserveRatio.String(),
		TargetYield:       v.TargetYield.String(),
		RealizedYield:     v.RealizedYield,
		RealizedLoss:      v.RealizedLoss,
		FeesCollected:     v.FeesCollected,
		UpdatedAt:         v.UpdatedAt,
		Version:           v.Version,
	}
}

// ToDomain 转换为领域对象
func (po *VaultPO) ToDomain() (*domain.Vault, error) {
	reserve, err := decimal.NewFromString(po.ReserveRatio)
	if err != nil {
		return nil, err
	}
	yield, err := decimal.NewFromString(po.TargetYield)
	if err != nil {
		return nil, err
	}
	return &domain.Vault{
		Tier:              domain.Tier(po.Tier),
		TotalAssets:       po.TotalAssets,
		TotalShares:       po.TotalShares,
		OutstandingFunded: po.OutstandingFunded,
		ReserveRatio:      reserve,
		TargetYield:       yield,
		RealizedYield:     po.RealizedYield,
		RealizedLoss:      po.RealizedLoss,
		FeesCollected:     po.FeesCollected,
		UpdatedAt:         po.UpdatedAt.UTC(),
		Version:           po.Version,
	}, nil
}

// PositionPO 持仓
type PositionPO struct {
	Tier      string    `gorm:"column:tier;type:varchar(16);primaryKey"`
	Depositor string    `gorm:"column:depositor;type:varchar(128);primaryKey"`
	Shares    int64     `gorm:"column:shares;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (PositionPO) TableName() string { return "financing_positions" }

// RolePO 角色分配
type RolePO struct {
	Principal string    `gorm:"column:principal;type:varchar(128);primaryKey"`
	Role      string    `gorm:"column:role;type:varchar(16);primaryKey"`
	GrantedBy string    `gorm:"column:granted_by;type:varchar(128);not null"`
	GrantedAt time.Time `gorm:"column:granted_at;not null"`
}

func (RolePO) TableName() string { return "financing_roles" }

// AccountPO 结算账户余额
type AccountPO struct {
	AccountID string    `gorm:"column:account_id;type:varchar(160);primaryKey"`
	Balance   int64     `gorm:"column:balance;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (AccountPO) TableName() string { return "financing_accounts" }

// PostingPO 过账流水，只追加
type PostingPO struct {
	Seq         int64     `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Kind        string    `gorm:"column:kind;type:varchar(16);index;not null"`
	FromAccount string    `gorm:"column:from_account;type:varchar(160);index;not null"`
	ToAccount   string    `gorm:"column:to_account;type:varchar(160);index;not null"`
	Amount      int64     `gorm:"column:amount;not null"`
	Reference   string    `gorm:"column:reference;type:varchar(128)"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (PostingPO) TableName() string { return "financing_postings" }

// LedgerMetaPO 账本元数据，单行
type LedgerMetaPO struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement:false"`
	Supply         int64     `gorm:"column:supply;not null"`
	LastPostingSeq int64     `gorm:"column:last_posting_seq;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (LedgerMetaPO) TableName() string { return "financing_ledger_meta" }

// 投递状态
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxMessagePO 事务内写入的待投递事件
type OutboxMessagePO struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID  string     `gorm:"column:message_id;type:varchar(36);uniqueIndex;not null"`
	Topic      string     `gorm:"column:topic;type:varchar(128);not null"`
	MessageKey string     `gorm:"column:message_key;type:varchar(128);not null"`
	EventType  string     `gorm:"column:event_type;type:varchar(64);not null"`
	Payload    string     `gorm:"column:payload;type:text;not null"`
	Status     string     `gorm:"column:status;type:varchar(16);index;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	SentAt     *time.Time `gorm:"column:sent_at"`
}

func (OutboxMessagePO) TableName() string { return "financing_outbox" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
