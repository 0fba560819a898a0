package application

import "time"

// SubmitInvoiceCommand 提交发票
type SubmitInvoiceCommand struct {
	Caller       string
	Debtor       string
	FaceValue    int64
	DueDate      time.Time
	DocumentHash string
}

// AssessInvoiceCommand 以外部评分提交风险评估
type AssessInvoiceCommand struct {
	Caller        string
	InvoiceID     string
	ExternalScore int
}

// VerifyInvoiceCommand 调用核验服务获取外部评分后评估
type VerifyInvoiceCommand struct {
	Caller    string
	InvoiceID string
	Filename  string
	Document  []byte
}

// InvoiceActionCommand 仅需调用方与发票 ID 的操作：tokenize、requestFunding
type InvoiceActionCommand struct {
	Caller    string
	InvoiceID string
}

// ReportRepaymentCommand 回款
type ReportRepaymentCommand struct {
	Caller    string
	InvoiceID string
	Amount    int64
}

// MarkDefaultCommand 违约核销
type MarkDefaultCommand struct {
	Caller          string
	InvoiceID       string
	RecoveredAmount int64
	// RecoveryPayer 追回款的付款钱包，只能为空或等于 Caller
	RecoveryPayer string
}

// DepositCommand 存入资金池
type DepositCommand struct {
	Caller string
	Tier   string
	Amount int64
}

// WithdrawCommand 赎回份额
type WithdrawCommand struct {
	Caller string
	Tier   string
	Shares int64
}

// RoleCommand 授予或撤销角色
type RoleCommand struct {
	Caller    string
	Principal string
	Role      string
}

// RoleGrantCommand 启动时的角色配置
type RoleGrantCommand struct {
	Principal string
	Role      string
}

// RailTransferCommand 稳定币通道入金/出金
type RailTransferCommand struct {
	Caller    string
	Principal string
	Amount    int64
	Reference string
}
