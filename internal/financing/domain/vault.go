package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// Vault 按等级划分的资金池。TotalAssets 为净值（闲置 + 已投放），
// 闲置资金等于账本中资金池账户余额 TotalAssets - OutstandingFunded
type Vault struct {
	Tier Tier
	// 净值：闲置资金 + 已投放本金
	TotalAssets int64
	// 已发行份额
	TotalShares int64
	// 已投放、尚未结清的本金
	OutstandingFunded int64
	// 准备金比例，放款后闲置资金不得低于 ⌈比例 × 净值⌉
	ReserveRatio decimal.Decimal
	// 目标收益率，仅影响此后放款的回款义务
	TargetYield decimal.Decimal

	// 累计已实现收益（扣除手续费后）
	RealizedYield int64
	// 累计核销损失
	RealizedLoss int64
	// 累计协议手续费
	FeesCollected int64

	UpdatedAt time.Time
	// 乐观版本号，投影据此丢弃过期快照
	Version int64
}

// VaultSpec 资金池参数
type VaultSpec struct {
	Tier         Tier
	ReserveRatio decimal.Decimal
	TargetYield  decimal.Decimal
}

// DefaultVaultSpecs 默认资金池参数
func DefaultVaultSpecs() []VaultSpec {
	return []VaultSpec{
		{Tier: TierPrime, ReserveRatio: decimal.RequireFromString("0.10"), TargetYield: decimal.RequireFromString("0.08")},
		{Tier: TierGrowth, ReserveRatio: decimal.RequireFromString("0.10"), TargetYield: decimal.RequireFromString("0.12")},
		{Tier: TierEmerging, ReserveRatio: decimal.RequireFromString("0.15"), TargetYield: decimal.RequireFromString("0.18")},
	}
}

// Validate 校验参数
func (s VaultSpec) Validate() error {
	if !s.Tier.Fundable() {
		return fmt.Errorf("%w: tier %s has no vault", ErrInvalidRequest, s.Tier)
	}
	if s.ReserveRatio.IsNegative() || s.ReserveRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: reserve ratio %s outside [0,1)", ErrInvalidRequest, s.ReserveRatio)
	}
	if s.TargetYield.IsNegative() {
		return fmt.Errorf("%w: negative target yield %s", ErrInvalidRequest, s.TargetYield)
	}
	return nil
}

// NewVault 创建空资金池
func NewVault(spec VaultSpec, now time.Time) *Vault {
	return &Vault{
		Tier:         spec.Tier,
		ReserveRatio: spec.ReserveRatio,
		TargetYield:  spec.TargetYield,
		UpdatedAt:    now,
		Version:      1,
	}
}

// Clone 拷贝
func (v *Vault) Clone() *Vault {
	c := *v
	return &c
}

// Idle 闲置资金
func (v *Vault) Idle() int64 {
	return v.TotalAssets - v.OutstandingFunded
}

// Reserve 准备金 ⌈reserveRatio × TotalAssets⌉
func (v *Vault) Reserve() int64 {
	return v.ReserveRatio.Mul(decimal.NewFromInt(v.TotalAssets)).Ceil().IntPart()
}

// FundingCapacity 可用于放款的资金，不低于 0
func (v *Vault) FundingCapacity() int64 {
	return max(v.Idle()-v.Reserve(), 0)
}

// SharePrice 份额净值，无份额时为 1
func (v *Vault) SharePrice() decimal.Decimal {
	if v.TotalShares == 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(v.TotalAssets).DivRound(decimal.NewFromInt(v.TotalShares), 18)
}

// PreviewDeposit 存入 amount 可获得的份额
func (v *Vault) PreviewDeposit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: deposit amount %d", ErrInvalidAmount, amount)
	}
	if v.TotalShares == 0 {
		return amount, nil
	}
	if v.TotalAssets == 0 {
		return 0, fmt.Errorf("%w: vault %s has shares but no assets", ErrDivisionGuard, v.Tier)
	}
	shares, err := mulDiv(amount, v.TotalShares, v.TotalAssets)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		return 0, fmt.Errorf("%w: deposit %d issues zero shares", ErrInvalidAmount, amount)
	}
	return shares, nil
}

// PreviewWithdraw 赎回 shares 可得的资金
func (v *Vault) PreviewWithdraw(shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("%w: withdraw shares %d", ErrInvalidAmount, shares)
	}
	if v.TotalShares == 0 {
		return 0, fmt.Errorf("%w: vault %s has no shares", ErrDivisionGuard, v.Tier)
	}
	return mulDiv(shares, v.TotalAssets, v.TotalShares)
}

func (v *Vault) touch(now time.Time) {
	v.UpdatedAt = now
	v.Version++
}

// mulDiv ⌊a × b / c⌋，精确截断，溢出返回 ErrInvalidAmount
func mulDiv(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, ErrDivisionGuard
	}
	q, _ := decimal.NewFromInt(a).Mul(decimal.NewFromInt(b)).QuoRem(decimal.NewFromInt(c), 0)
	if q.GreaterThan(maxInt64) || q.LessThan(maxInt64.Neg()) {
		return 0, fmt.Errorf("%w: %d*%d/%d overflows", ErrInvalidAmount, a, b, c)
	}
	return q.IntPart(), nil
}

func checkedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d overflows", ErrInvalidAmount, a, b)
	}
	return a + b, nil
}
