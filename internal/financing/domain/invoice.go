// 包 domain 发票融资的领域模型：发票、资金池、持仓、角色与结算账本
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus 发票生命周期状态
type InvoiceStatus int8

const (
	InvoiceStatusUploaded  InvoiceStatus = 1 // 已提交，待评估
	InvoiceStatusValidated InvoiceStatus = 2 // 评估通过
	InvoiceStatusTokenized InvoiceStatus = 3 // 已登记为可融资凭证
	InvoiceStatusFunded    InvoiceStatus = 4 // 已放款
	InvoiceStatusRepaid    InvoiceStatus = 5 // 已回款
	InvoiceStatusDefaulted InvoiceStatus = 6 // 已违约
	InvoiceStatusRejected  InvoiceStatus = 7 // 评估拒绝
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceStatusUploaded:
		return "UPLOADED"
	case InvoiceStatusValidated:
		return "VALIDATED"
	case InvoiceStatusTokenized:
		return "TOKENIZED"
	case InvoiceStatusFunded:
		return "FUNDED"
	case InvoiceStatusRepaid:
		return "REPAID"
	case InvoiceStatusDefaulted:
		return "DEFAULTED"
	case InvoiceStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ParseInvoiceStatus 解析状态名
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	for st := InvoiceStatusUploaded; st <= InvoiceStatusRejected; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown invoice status %q", ErrInvalidRequest, s)
}

// Terminal 是否为终态
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusRepaid || s == InvoiceStatusDefaulted || s == InvoiceStatusRejected
}

// Invoice 发票聚合根
// 记录一张应收账款从提交、评估、放款到结清的全过程
type Invoice struct {
	// 发票 ID (业务主键)，形如 INV-<snowflake>
	ID string
	// 出票人，即融资方，放款打入其钱包
	Issuer string
	// 付款方
	Debtor string
	// 面值，结算单位的最小整数单位
	FaceValue int64
	// 到期日 (UTC)
	DueDate time.Time
	Status  InvoiceStatus

	// 评估结果，一经写入不可修改
	Assessed bool
	// 外部评分 [0,100]
	ExternalScore int
	// 综合风险评分
	RiskScore int
	// 风险等级，决定放款资金池
	Tier Tier
	// 放款比例
	AdvanceRate decimal.Decimal

	// 单据内容的 sha256，核验时写入
	DocumentHash string

	// 实际放款金额，0 表示未放款
	FundedAmount int64
	// 回款义务：放款时按资金池目标收益率锁定，之后不随参数变化
	Obligation int64
	FundedAt   *time.Time
	// 实收回款（违约时为追回金额）
	AmountRepaid int64
	// 核销损失
	LossAmount int64
	SettledAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	// 乐观版本号，每次变更递增
	Version int64
}

// NewInvoice 创建处于 Uploaded 状态的发票
func NewInvoice(id, issuer, debtor string, faceValue int64, dueDate time.Time, documentHash string, now time.Time) (*Invoice, error) {
	if id == "" || issuer == "" || debtor == "" {
		return nil, fmt.Errorf("%w: id, issuer and debtor are required", ErrInvalidRequest)
	}
	if faceValue <= 0 {
		return nil, fmt.Errorf("%w: face value must be positive, got %d", ErrInvalidAmount, faceValue)
	}
	if !dueDate.After(now) {
		return nil, fmt.Errorf("%w: due date %s is not in the future", ErrInvalidRequest, dueDate.Format(time.RFC3339))
	}
	return &Invoice{
		ID:           id,
		Issuer:       issuer,
		Debtor:       debtor,
		FaceValue:    faceValue,
		DueDate:      dueDate.UTC(),
		Status:       InvoiceStatusUploaded,
		DocumentHash: documentHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

// Clone 深拷贝
func (i *Invoice) Clone() *Invoice {
	c := *i
	if i.FundedAt != nil {
		t := *i.FundedAt
		c.FundedAt = &t
	}
	if i.SettledAt != nil {
		t := *i.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// AdvanceAmount 可放款金额 ⌊advanceRate × faceValue⌋
func (i *Invoice) AdvanceAmount() (int64, error) {
	if !i.Assessed || !i.Tier.Fundable() {
		return 0, fmt.Errorf("%w: invoice %s has no fundable tier", ErrInvalidTransition, i.ID)
	}
	amount := i.AdvanceRate.Mul(decimal.NewFromInt(i.FaceValue)).Floor()
	if !amount.IsPositive() || !amount.LessThanOrEqual(maxInt64) {
		return 0, fmt.Errorf("%w: advance amount %s", ErrInvalidAmount, amount)
	}
	return amount.IntPart(), nil
}

// obligationFor 回款义务：本金 + ⌊本金 × 目标收益率⌋
func obligationFor(principal int64, targetYield decimal.Decimal) (int64, error) {
	yield := decimal.NewFromInt(principal).Mul(targetYield).Floor()
	if !yield.LessThanOrEqual(maxInt64) {
		return 0, fmt.Errorf("%w: obligation overflows", ErrInvalidAmount)
	}
	return checkedAdd(principal, yield.IntPart())
}

// GraceExpired 是否已超过宽限期
func (i *Invoice) GraceExpired(now time.Time, grace time.Duration) bool {
	return now.After(i.DueDate.Add(grace))
}

func (i *Invoice) touch(now time.Time) {
	i.UpdatedAt = now
	i.Version++
}

// applyAssessment Uploaded → Validated / Rejected
func (i *Invoice) applyAssessment(a Assessment, now time.Time) error {
	if i.Assessed || i.Status != InvoiceStatusUploaded {
		return fmt.Errorf("%w: invoice %s is %s", ErrAlreadyAssessed, i.ID, i.Status)
	}
	i.Assessed = true
	i.ExternalScore = a.ExternalScore
	i.RiskScore = a.RiskScore
	i.Tier = a.Tier
	i.AdvanceRate = a.AdvanceRate
	if a.Tier.Fundable() {
		i.Status = InvoiceStatusValidated
	} else {
		i.Status = InvoiceStatusRejected
	}
	i.touch(now)
	return nil
}

// tokenize Validated → Tokenized
func (i *Invoice) tokenize(now time.Time) error {
	if i.Status != InvoiceStatusValidated {
		return fmt.Errorf("%w: cannot tokenize invoice %s in %s", ErrInvalidTransition, i.ID, i.Status)
	}
	i.Status = InvoiceStatusTokenized
	i.touch(now)
	return nil
}

// markFunded Tokenized → Funded，同时锁定回款义务
func (i *Invoice) markFunded(amount int64, targetYield decimal.Decimal, now time.Time) error {
	if i.FundedAmount > 0 {
		return fmt.Errorf("%w: invoice %s", ErrAlreadyFunded, i.ID)
	}
	if i.Status != InvoiceStatusTokenized {
		return fmt.Errorf("%w: cannot fund invoice %s in %s", ErrInvalidTransition, i.ID, i.Status)
	}
	limit, err := i.AdvanceAmount()
	if err != nil {
		return err
	}
	if amount <= 0 || amount > limit {
		return fmt.Errorf("%w: funding %d exceeds advance limit %d", ErrInvalidAmount, amount, limit)
	}
	obligation, err := obligationFor(amount, targetYield)
	if err != nil {
		return err
	}
	i.FundedAmount = amount
	i.Obligation = obligation
	t := now
	i.FundedAt = &t
	i.Status = InvoiceStatusFunded
	i.touch(now)
	return nil
}

// markRepaid Funded → Repaid
func (i *Invoice) markRepaid(paid int64, now time.Time) error {
	if i.Status != InvoiceStatusFunded {
		return fmt.Errorf("%w: cannot repay invoice %s in %s", ErrInvalidTransition, i.ID, i.Status)
	}
	i.AmountRepaid = paid
	t := now
	i.SettledAt = &t
	i.Status = InvoiceStatusRepaid
	i.touch(now)
	return nil
}

// markDefaulted Funded → Defaulted
func (i *Invoice) markDefaulted(recovered, loss int64, now time.Time) error {
	if i.Status != InvoiceStatusFunded {
		return fmt.Errorf("%w: cannot default invoice %s in %s", ErrInvalidTransition, i.ID, i.Status)
	}
	i.AmountRepaid = recovered
	i.LossAmount = loss
	t := now
	i.SettledAt = &t
	i.Status = InvoiceStatusDefaulted
	i.touch(now)
	return nil
}
