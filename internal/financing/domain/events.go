package domain

import "time"

// Event 领域事件，随状态变更一并写入 outbox
type Event interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

type BaseEvent struct {
	Aggregate string    `json:"aggregate_id"`
	Timestamp time.Time `json:"occurred_at"`
}

func (e BaseEvent) AggregateID() string   { return e.Aggregate }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// InvoiceSubmittedEvent 发票提交
type InvoiceSubmittedEvent struct {
	BaseEvent
	Issuer    string    `json:"issuer"`
	Debtor    string    `json:"debtor"`
	FaceValue int64     `json:"face_value"`
	DueDate   time.Time `json:"due_date"`
}

func (InvoiceSubmittedEvent) EventType() string { return "InvoiceSubmitted" }

// InvoiceAssessedEvent 风险评估完成
type InvoiceAssessedEvent struct {
	BaseEvent
	ExternalScore int    `json:"external_score"`
	RiskScore     int    `json:"risk_score"`
	Tier          Tier   `json:"tier"`
	AdvanceRate   string `json:"advance_rate"`
	Status        string `json:"status"`
}

func (InvoiceAssessedEvent) EventType() string { return "InvoiceAssessed" }

// InvoiceTokenizedEvent 凭证登记
type InvoiceTokenizedEvent struct {
	BaseEvent
	Minter string `json:"minter"`
}

func (InvoiceTokenizedEvent) EventType() string { return "InvoiceTokenized" }

// InvoiceFundedEvent 放款
type InvoiceFundedEvent struct {
	BaseEvent
	Tier   Tier   `json:"tier"`
	Issuer string `json:"issuer"`
	Amount int64  `json:"amount"`
}

func (InvoiceFundedEvent) EventType() string { return "InvoiceFunded" }

// InvoiceRepaidEvent 回款结清
type InvoiceRepaidEvent struct {
	BaseEvent
	Tier      Tier   `json:"tier"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount"`
	Principal int64  `json:"principal"`
	Yield     int64  `json:"yield"`
	Fee       int64  `json:"fee"`
}

func (InvoiceRepaidEvent) EventType() string { return "InvoiceRepaid" }

// InvoiceDefaultedEvent 违约核销
type InvoiceDefaultedEvent struct {
	BaseEvent
	Tier      Tier  `json:"tier"`
	Principal int64 `json:"principal"`
	Recovered int64 `json:"recovered"`
	WriteOff  int64 `json:"write_off"`
}

func (InvoiceDefaultedEvent) EventType() string { return "InvoiceDefaulted" }

// VaultDepositedEvent 存入资金池
type VaultDepositedEvent struct {
	BaseEvent
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Shares    int64  `json:"shares"`
}

func (VaultDepositedEvent) EventType() string { return "VaultDeposited" }

// VaultWithdrawnEvent 赎回
type VaultWithdrawnEvent struct {
	BaseEvent
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Shares    int64  `json:"shares"`
}

func (VaultWithdrawnEvent) EventType() string { return "VaultWithdrawn" }

// RoleGrantedEvent 授予角色
type RoleGrantedEvent struct {
	BaseEvent
	Role      Role   `json:"role"`
	GrantedBy string `json:"granted_by"`
}

func (RoleGrantedEvent) EventType() string { return "RoleGranted" }

// RoleRevokedEvent 撤销角色
type RoleRevokedEvent struct {
	BaseEvent
	Role      Role   `json:"role"`
	RevokedBy string `json:"revoked_by"`
}

func (RoleRevokedEvent) EventType() string { return "RoleRevoked" }

// LedgerToppedUpEvent 外部入金
type LedgerToppedUpEvent struct {
	BaseEvent
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (LedgerToppedUpEvent) EventType() string { return "LedgerToppedUp" }

// LedgerPaidOutEvent 外部出金
type LedgerPaidOutEvent struct {
	BaseEvent
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (LedgerPaidOutEvent) EventType() string { return "LedgerPaidOut" }
