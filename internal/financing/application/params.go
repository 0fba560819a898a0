package application

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/config"
)

// BuildParams 将配置转换为协议参数，未配置的字段取默认值
func BuildParams(cfg *config.Config) (domain.Params, error) {
	params := domain.DefaultParams()

	risk := &params.Risk
	var err error
	if risk.ExternalWeight, err = decimalOr(cfg.Risk.ExternalWeight, risk.ExternalWeight); err != nil {
		return params, fmt.Errorf("risk.external_weight: %w", err)
	}
	if risk.SizeWeight, err = decimalOr(cfg.Risk.SizeWeight, risk.SizeWeight); err != nil {
		return params, fmt.Errorf("risk.size_weight: %w", err)
	}
	if risk.TenorWeight, err = decimalOr(cfg.Risk.TenorWeight, risk.TenorWeight); err != nil {
		return params, fmt.Errorf("risk.tenor_weight: %w", err)
	}
	if cfg.Risk.SizeFullScoreLimit > 0 {
		risk.SizeFullScoreLimit = cfg.Risk.SizeFullScoreLimit
	}
	if cfg.Risk.SizeZeroScoreLimit > 0 {
		risk.SizeZeroScoreLimit = cfg.Risk.SizeZeroScoreLimit
	}
	if cfg.Risk.TenorFullScoreDays > 0 {
		risk.TenorFullScoreDays = cfg.Risk.TenorFullScoreDays
	}
	if cfg.Risk.TenorZeroScoreDays > 0 {
		risk.TenorZeroScoreDays = cfg.Risk.TenorZeroScoreDays
	}
	if len(cfg.Risk.Bands) > 0 {
		bands := make([]domain.TierBand, 0, len(cfg.Risk.Bands))
		for _, b := range cfg.Risk.Bands {
			tier, err := domain.ParseTier(b.Tier)
			if err != nil {
				return params, fmt.Errorf("risk.bands: %w", err)
			}
			rate, err := decimalOr(b.AdvanceRate, decimal.Zero)
			if err != nil {
				return params, fmt.Errorf("risk.bands[%s].advance_rate: %w", b.Tier, err)
			}
			bands = append(bands, domain.TierBand{MinScore: b.MinScore, Tier: tier, AdvanceRate: rate})
		}
		risk.Bands = bands
	}

	if len(cfg.Vaults) > 0 {
		specs := make([]domain.VaultSpec, 0, len(cfg.Vaults))
		for _, v := range cfg.Vaults {
			tier, err := domain.ParseTier(v.Tier)
			if err != nil {
				return params, fmt.Errorf("vaults: %w", err)
			}
			reserve, err := decimalOr(v.ReserveRatio, decimal.Zero)
			if err != nil {
				return params, fmt.Errorf("vaults[%s].reserve_ratio: %w", v.Tier, err)
			}
			yield, err := decimalOr(v.TargetYield, decimal.Zero)
			if err != nil {
				return params, fmt.Errorf("vaults[%s].target_yield: %w", v.Tier, err)
			}
			specs = append(specs, domain.VaultSpec{Tier: tier, ReserveRatio: reserve, TargetYield: yield})
		}
		params.Vaults = specs
	}

	if cfg.Protocol.GracePeriodHours > 0 {
		params.GracePeriod = time.Duration(cfg.Protocol.GracePeriodHours) * time.Hour
	}
	if params.FeeRate, err = decimalOr(cfg.Protocol.FeeRate, params.FeeRate); err != nil {
		return params, fmt.Errorf("protocol.fee_rate: %w", err)
	}

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func decimalOr(s string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", domain.ErrInvalidRequest, s)
	}
	return d, nil
}
