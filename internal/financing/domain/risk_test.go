package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskEngineAssess(t *testing.T) {
	engine, err := NewRiskEngine(DefaultRiskPolicy())
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		face      int64
		tenor     time.Duration
		external  int
		wantScore int
		wantTier  Tier
		wantRate  string
	}{
		{"small short invoice with strong score", 10_000, 30 * 24 * time.Hour, 90, 93, TierPrime, "0.85"},
		{"tenor halfway to zero", 10_000, 105 * 24 * time.Hour, 60, 64, TierGrowth, "0.75"},
		{"large long invoice", 10_000_000, 200 * 24 * time.Hour, 70, 49, TierEmerging, "0.6"},
		{"weak external score", 10_000, 10 * 24 * time.Hour, 10, 37, TierRejected, "0"},
		{"perfect", 1, time.Hour, 100, 100, TierPrime, "0.85"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := engine.Assess(tt.face, now.Add(tt.tenor), tt.external, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, a.RiskScore)
			assert.Equal(t, tt.wantTier, a.Tier)
			assert.True(t, decimal.RequireFromString(tt.wantRate).Equal(a.AdvanceRate), "advance rate %s", a.AdvanceRate)
		})
	}
}

func TestRiskEngineRejectsOutOfRangeExternalScore(t *testing.T) {
	engine, err := NewRiskEngine(DefaultRiskPolicy())
	require.NoError(t, err)
	now := time.Now()

	_, err = engine.Assess(1000, now.Add(24*time.Hour), 101, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = engine.Assess(1000, now.Add(24*time.Hour), -1, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRiskEngineIsDeterministic(t *testing.T) {
	engine, err := NewRiskEngine(DefaultRiskPolicy())
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(77 * 24 * time.Hour)

	first, err := engine.Assess(2_345_678, due, 81, now)
	require.NoError(t, err)
	for range 20 {
		again, err := engine.Assess(2_345_678, due, 81, now)
		require.NoError(t, err)
		assert.Equal(t, first.RiskScore, again.RiskScore)
		assert.Equal(t, first.Tier, again.Tier)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	engine, err := NewRiskEngine(DefaultRiskPolicy())
	require.NoError(t, err)

	assert.Equal(t, TierPrime, engine.Classify(80).Tier)
	assert.Equal(t, TierGrowth, engine.Classify(79).Tier)
	assert.Equal(t, TierGrowth, engine.Classify(60).Tier)
	assert.Equal(t, TierEmerging, engine.Classify(40).Tier)
	assert.Equal(t, TierRejected, engine.Classify(39).Tier)
	assert.Equal(t, TierRejected, engine.Classify(0).Tier)
}

func TestRiskPolicyValidate(t *testing.T) {
	mutate := func(fn func(p *RiskPolicy)) RiskPolicy {
		p := DefaultRiskPolicy()
		p.Bands = append([]TierBand(nil), p.Bands...)
		fn(&p)
		return p
	}

	tests := []struct {
		name   string
		policy RiskPolicy
	}{
		{"weights do not sum to one", mutate(func(p *RiskPolicy) { p.TenorWeight = decimal.RequireFromString("0.20") })},
		{"negative weight", mutate(func(p *RiskPolicy) {
			p.ExternalWeight = decimal.RequireFromString("1.10")
			p.SizeWeight = decimal.RequireFromString("-0.25")
		})},
		{"no zero band", mutate(func(p *RiskPolicy) { p.Bands = p.Bands[:3] })},
		{"tier inversion", mutate(func(p *RiskPolicy) {
			p.Bands[0].Tier, p.Bands[1].Tier = TierGrowth, TierPrime
		})},
		{"advance inversion", mutate(func(p *RiskPolicy) { p.Bands[1].AdvanceRate = decimal.RequireFromString("0.90") })},
		{"advance above one", mutate(func(p *RiskPolicy) { p.Bands[0].AdvanceRate = decimal.RequireFromString("1.01") })},
		{"rejected with advance", mutate(func(p *RiskPolicy) { p.Bands[3].AdvanceRate = decimal.RequireFromString("0.1") })},
		{"inverted size limits", mutate(func(p *RiskPolicy) { p.SizeZeroScoreLimit = p.SizeFullScoreLimit })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.policy.Validate(), ErrInvalidRequest)
		})
	}

	assert.NoError(t, DefaultRiskPolicy().Validate())
}
