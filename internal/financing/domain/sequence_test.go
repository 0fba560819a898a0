package domain

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 随机操作序列：每一步之后账本闭合、份额守恒、在途本金与发票一致
func TestRandomOperationsPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(20260105))
	s := newTestState(t, DefaultParams())
	tiers := []Tier{TierPrime, TierGrowth, TierEmerging}
	lps := []string{"lp-1", "lp-2", "lp-3"}

	now := t0
	var minted int64
	var open []string
	var seq, funded, repaid, defaulted int

	drop := func(i int) { open = append(open[:i], open[i+1:]...) }

	for step := 0; step < 600; step++ {
		now = now.Add(time.Duration(rng.Intn(48)) * time.Hour)
		var err error

		switch rng.Intn(5) {
		case 0:
			who, tier := lps[rng.Intn(len(lps))], tiers[rng.Intn(len(tiers))]
			amount := int64(rng.Intn(20_000) + 1)
			err = run(s, now, func(tx *Tx) error {
				if _, err := tx.TopUp(admin, who, amount, "seq"); err != nil {
					return err
				}
				_, err := tx.Deposit(who, tier, amount)
				return err
			})
			if err == nil {
				minted += amount
			}

		case 1:
			who, tier := lps[rng.Intn(len(lps))], tiers[rng.Intn(len(tiers))]
			held := s.Position(tier, who).Shares
			if held == 0 {
				continue
			}
			shares := rng.Int63n(held) + 1
			err = run(s, now, func(tx *Tx) error {
				_, err := tx.Withdraw(who, tier, shares)
				return err
			})

		case 2:
			seq++
			id := fmt.Sprintf("INV-S%d", seq)
			face := int64(rng.Intn(30_000) + 100)
			score := rng.Intn(101)
			due := now.Add(time.Duration(rng.Intn(10)+1) * 24 * time.Hour)
			var inv *Invoice
			err = run(s, now, func(tx *Tx) error {
				var err error
				if _, err = tx.SubmitInvoice(id, issuer, debtor, face, due, ""); err != nil {
					return err
				}
				if inv, err = tx.AssessInvoice(validator, id, score); err != nil {
					return err
				}
				if inv.Status == InvoiceStatusRejected {
					return nil
				}
				if _, err = tx.TokenizeInvoice(minter, id); err != nil {
					return err
				}
				inv, err = tx.FundInvoice(issuer, id)
				return err
			})
			if err == nil && inv.Status == InvoiceStatusFunded {
				funded++
				open = append(open, id)
			}

		case 3:
			if len(open) == 0 {
				continue
			}
			i := rng.Intn(len(open))
			inv, ok := s.Invoice(open[i])
			require.True(t, ok)
			amount := inv.Obligation + rng.Int63n(500)
			err = run(s, now, func(tx *Tx) error {
				if _, err := tx.TopUp(admin, debtor, amount, "seq"); err != nil {
					return err
				}
				_, err := tx.ReportRepayment(debtor, inv.ID, amount)
				return err
			})
			if err == nil {
				minted += amount
				repaid++
				drop(i)
			}

		case 4:
			if len(open) == 0 {
				continue
			}
			i := rng.Intn(len(open))
			inv, ok := s.Invoice(open[i])
			require.True(t, ok)
			var recovered int64
			if rng.Intn(2) == 0 {
				recovered = rng.Int63n(inv.Obligation)
			}
			err = run(s, now, func(tx *Tx) error {
				if recovered > 0 {
					if _, err := tx.TopUp(admin, validator, recovered, "seq"); err != nil {
						return err
					}
				}
				_, err := tx.MarkDefault(validator, inv.ID, recovered, "")
				return err
			})
			if err == nil {
				minted += recovered
				defaulted++
				drop(i)
			}
		}

		if err != nil {
			require.NotEqual(t, CodeInternal, Code(err), "step %d: %v", step, err)
		}
		require.NoError(t, s.CheckInvariants(), "step %d", step)
		require.Equal(t, minted, s.Supply(), "step %d", step)
	}

	assert.Positive(t, funded)
	assert.Positive(t, repaid)
	t.Logf("funded=%d repaid=%d defaulted=%d", funded, repaid, defaulted)
}
