// Package redis 将发票与资金池的最新快照投影到 Redis，供外部只读方使用
package redis

import (
	"context"
	"time"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/cache"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

const (
	invoicePrefix = "financing:invoice:"
	vaultPrefix   = "financing:vault:"
)

// InvoiceView 发票投影
type InvoiceView struct {
	ID           string     `json:"id"`
	Issuer       string     `json:"issuer"`
	Debtor       string     `json:"debtor"`
	FaceValue    int64      `json:"face_value"`
	DueDate      time.Time  `json:"due_date"`
	Status       string     `json:"status"`
	Tier         string     `json:"tier,omitempty"`
	RiskScore    int        `json:"risk_score"`
	FundedAmount int64      `json:"funded_amount"`
	Obligation   int64      `json:"obligation"`
	AmountRepaid int64      `json:"amount_repaid"`
	LossAmount   int64      `json:"loss_amount"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	Version      int64      `json:"version"`
}

// VaultView 资金池投影
type VaultView struct {
	Tier              string `json:"tier"`
	TotalAssets       int64  `json:"total_assets"`
	TotalShares       int64  `json:"total_shares"`
	OutstandingFunded int64  `json:"outstanding_funded"`
	IdleLiquidity     int64  `json:"idle_liquidity"`
	SharePrice        string `json:"share_price"`
	Version           int64  `json:"version"`
}

// Projector Redis 投影
type Projector struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewProjector ttl 为 0 时不过期
func NewProjector(c *cache.RedisCache, ttl time.Duration) *Projector {
	return &Projector{cache: c, ttl: ttl}
}

// ProjectInvoices 写入发票快照，版本不高于已有投影的快照被丢弃
func (p *Projector) ProjectInvoices(ctx context.Context, invoices []*domain.Invoice) error {
	values := make([]cache.VersionedValue, 0, len(invoices))
	for _, inv := range invoices {
		values = append(values, cache.VersionedValue{Key: InvoiceKey(inv.ID), Version: inv.Version, Value: InvoiceView{
			ID:           inv.ID,
			Issuer:       inv.Issuer,
			Debtor:       inv.Debtor,
			FaceValue:    inv.FaceValue,
			DueDate:      inv.DueDate,
			Status:       inv.Status.String(),
			Tier:         string(inv.Tier),
			RiskScore:    inv.RiskScore,
			FundedAmount: inv.FundedAmount,
			Obligation:   inv.Obligation,
			AmountRepaid: inv.AmountRepaid,
			LossAmount:   inv.LossAmount,
			SettledAt:    inv.SettledAt,
			Version:      inv.Version,
		}})
	}
	return p.write(ctx, values)
}

// ProjectVaults 写入资金池快照，规则同 ProjectInvoices
func (p *Projector) ProjectVaults(ctx context.Context, vaults []*domain.Vault) error {
	values := make([]cache.VersionedValue, 0, len(vaults))
	for _, v := range vaults {
		values = append(values, cache.VersionedValue{Key: VaultKey(v.Tier), Version: v.Version, Value: VaultView{
			Tier:              string(v.Tier),
			TotalAssets:       v.TotalAssets,
			TotalShares:       v.TotalShares,
			OutstandingFunded: v.OutstandingFunded,
			IdleLiquidity:     v.Idle(),
			SharePrice:        v.SharePrice().StringFixed(6),
			Version:           v.Version,
		}})
	}
	return p.write(ctx, values)
}

func (p *Projector) write(ctx context.Context, values []cache.VersionedValue) error {
	n, err := p.cache.SetJSONIfNewer(ctx, values, p.ttl)
	if err != nil {
		return err
	}
	if skipped := len(values) - n; skipped > 0 {
		logger.Debug(ctx, "skipped stale projections", "skipped", skipped)
	}
	return nil
}

// Invoice 读取发票投影；不存在时返回 cache.ErrCacheMiss
func (p *Projector) Invoice(ctx context.Context, id string) (*InvoiceView, error) {
	var view InvoiceView
	if err := p.cache.GetJSON(ctx, InvoiceKey(id), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Vault 读取资金池投影
func (p *Projector) Vault(ctx context.Context, tier domain.Tier) (*VaultView, error) {
	var view VaultView
	if err := p.cache.GetJSON(ctx, VaultKey(tier), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// InvoiceKey 发票投影键
func InvoiceKey(id string) string { return invoicePrefix + id }

// VaultKey 资金池投影键
func VaultKey(tier domain.Tier) string { return vaultPrefix + string(tier) }
