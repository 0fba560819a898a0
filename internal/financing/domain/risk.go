package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier 风险等级，每个可融资等级对应一个资金池
type Tier string

const (
	TierPrime    Tier = "PRIME"
	TierGrowth   Tier = "GROWTH"
	TierEmerging Tier = "EMERGING"
	TierRejected Tier = "REJECTED"
)

// FundableTiers 拥有资金池的等级，按风险从低到高
var FundableTiers = []Tier{TierPrime, TierGrowth, TierEmerging}

// ParseTier 解析等级名（大小写不敏感）
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierPrime, TierGrowth, TierEmerging, TierRejected:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, s)
	}
}

// Fundable 是否有对应资金池
func (t Tier) Fundable() bool {
	return t.rank() > 0
}

// rank 等级优劣排序，数值越大越好
func (t Tier) rank() int {
	switch t {
	case TierPrime:
		return 3
	case TierGrowth:
		return 2
	case TierEmerging:
		return 1
	default:
		return 0
	}
}

// TierBand 评分区间：分数 ≥ MinScore 时归入 Tier
type TierBand struct {
	MinScore    int
	Tier        Tier
	AdvanceRate decimal.Decimal
}

// RiskPolicy 风险评分参数
type RiskPolicy struct {
	ExternalWeight decimal.Decimal
	SizeWeight     decimal.Decimal
	TenorWeight    decimal.Decimal

	// 面值不超过 SizeFullScoreLimit 得 100 分，线性下降至 SizeZeroScoreLimit 得 0 分
	SizeFullScoreLimit int64
	SizeZeroScoreLimit int64

	// 账期不超过 TenorFullScoreDays 得 100 分，线性下降至 TenorZeroScoreDays 得 0 分
	TenorFullScoreDays int
	TenorZeroScoreDays int

	Bands []TierBand
}

// DefaultRiskPolicy 默认评分策略
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		ExternalWeight:     decimal.RequireFromString("0.70"),
		SizeWeight:         decimal.RequireFromString("0.15"),
		TenorWeight:        decimal.RequireFromString("0.15"),
		SizeFullScoreLimit: 100_000,
		SizeZeroScoreLimit: 10_000_000,
		TenorFullScoreDays: 30,
		TenorZeroScoreDays: 180,
		Bands: []TierBand{
			{MinScore: 80, Tier: TierPrime, AdvanceRate: decimal.RequireFromString("0.85")},
			{MinScore: 60, Tier: TierGrowth, AdvanceRate: decimal.RequireFromString("0.75")},
			{MinScore: 40, Tier: TierEmerging, AdvanceRate: decimal.RequireFromString("0.60")},
			{MinScore: 0, Tier: TierRejected, AdvanceRate: decimal.Zero},
		},
	}
}

// Validate 校验策略：权重非负且和为 1、区间完整、单调
func (p RiskPolicy) Validate() error {
	weights := []decimal.Decimal{p.ExternalWeight, p.SizeWeight, p.TenorWeight}
	sum := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() {
			return fmt.Errorf("%w: negative risk weight %s", ErrInvalidRequest, w)
		}
		sum = sum.Add(w)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: risk weights sum to %s, want 1", ErrInvalidRequest, sum)
	}
	if p.SizeFullScoreLimit < 0 || p.SizeZeroScoreLimit <= p.SizeFullScoreLimit {
		return fmt.Errorf("%w: size limits %d..%d", ErrInvalidRequest, p.SizeFullScoreLimit, p.SizeZeroScoreLimit)
	}
	if p.TenorFullScoreDays < 0 || p.TenorZeroScoreDays <= p.TenorFullScoreDays {
		return fmt.Errorf("%w: tenor limits %d..%d", ErrInvalidRequest, p.TenorFullScoreDays, p.TenorZeroScoreDays)
	}
	if len(p.Bands) == 0 {
		return fmt.Errorf("%w: no tier bands", ErrInvalidRequest)
	}

	bands := p.sortedBands()
	seenScore := make(map[int]bool, len(bands))
	seenTier := make(map[Tier]bool, len(bands))
	for i, b := range bands {
		if b.MinScore < 0 || b.MinScore > 100 {
			return fmt.Errorf("%w: band floor %d outside [0,100]", ErrInvalidRequest, b.MinScore)
		}
		if seenScore[b.MinScore] || seenTier[b.Tier] {
			return fmt.Errorf("%w: duplicate band %d/%s", ErrInvalidRequest, b.MinScore, b.Tier)
		}
		seenScore[b.MinScore] = true
		seenTier[b.Tier] = true

		if b.Tier.Fundable() {
			if !b.AdvanceRate.IsPositive() || b.AdvanceRate.GreaterThan(decimal.NewFromInt(1)) {
				return fmt.Errorf("%w: advance rate %s for %s outside (0,1]", ErrInvalidRequest, b.AdvanceRate, b.Tier)
			}
		} else if b.Tier != TierRejected || !b.AdvanceRate.IsZero() {
			return fmt.Errorf("%w: band %s must be REJECTED with zero advance", ErrInvalidRequest, b.Tier)
		}

		if i > 0 {
			prev := bands[i-1]
			if b.Tier.rank() > prev.Tier.rank() || b.AdvanceRate.GreaterThan(prev.AdvanceRate) {
				return fmt.Errorf("%w: bands not monotonic at %d", ErrInvalidRequest, b.MinScore)
			}
		}
	}
	if bands[len(bands)-1].MinScore != 0 {
		return fmt.Errorf("%w: lowest band must start at 0", ErrInvalidRequest)
	}
	return nil
}

// sortedBands 按 MinScore 降序返回副本
func (p RiskPolicy) sortedBands() []TierBand {
	bands := append([]TierBand(nil), p.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinScore > bands[j].MinScore })
	return bands
}

// Assessment 风险评估结果
type Assessment struct {
	ExternalScore int
	RiskScore     int
	Tier          Tier
	AdvanceRate   decimal.Decimal
}

// RiskEngine 确定性评分引擎
type RiskEngine struct {
	policy RiskPolicy
	bands  []TierBand
}

// NewRiskEngine 校验策略后创建引擎
func NewRiskEngine(policy RiskPolicy) (*RiskEngine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &RiskEngine{policy: policy, bands: policy.sortedBands()}, nil
}

// Assess 计算评分并分档
func (e *RiskEngine) Assess(faceValue int64, dueDate time.Time, externalScore int, now time.Time) (Assessment, error) {
	if externalScore < 0 || externalScore > 100 {
		return Assessment{}, fmt.Errorf("%w: external score %d outside [0,100]", ErrInvalidAmount, externalScore)
	}
	if faceValue <= 0 {
		return Assessment{}, fmt.Errorf("%w: face value %d", ErrInvalidAmount, faceValue)
	}

	score := e.policy.ExternalWeight.Mul(decimal.NewFromInt(int64(externalScore))).
		Add(e.policy.SizeWeight.Mul(e.sizeScore(faceValue))).
		Add(e.policy.TenorWeight.Mul(e.tenorScore(dueDate.Sub(now))))
	riskScore := int(clamp(score).Floor().IntPart())

	band := e.Classify(riskScore)
	return Assessment{
		ExternalScore: externalScore,
		RiskScore:     riskScore,
		Tier:          band.Tier,
		AdvanceRate:   band.AdvanceRate,
	}, nil
}

// Classify 返回分数所在区间
func (e *RiskEngine) Classify(score int) TierBand {
	for _, b := range e.bands {
		if score >= b.MinScore {
			return b
		}
	}
	return e.bands[len(e.bands)-1]
}

func (e *RiskEngine) sizeScore(faceValue int64) decimal.Decimal {
	return linearScore(
		decimal.NewFromInt(faceValue),
		decimal.NewFromInt(e.policy.SizeFullScoreLimit),
		decimal.NewFromInt(e.policy.SizeZeroScoreLimit),
	)
}

func (e *RiskEngine) tenorScore(tenor time.Duration) decimal.Decimal {
	days := decimal.NewFromInt(int64(tenor)).Div(decimal.NewFromInt(int64(24 * time.Hour)))
	return linearScore(
		days,
		decimal.NewFromInt(int64(e.policy.TenorFullScoreDays)),
		decimal.NewFromInt(int64(e.policy.TenorZeroScoreDays)),
	)
}

var hundred = decimal.NewFromInt(100)

// linearScore x ≤ full 得 100，x ≥ zero 得 0，其间线性
func linearScore(x, full, zero decimal.Decimal) decimal.Decimal {
	if x.LessThanOrEqual(full) {
		return hundred
	}
	if x.GreaterThanOrEqual(zero) {
		return decimal.Zero
	}
	return hundred.Mul(zero.Sub(x)).Div(zero.Sub(full))
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(hundred) {
		return hundred
	}
	return d
}
