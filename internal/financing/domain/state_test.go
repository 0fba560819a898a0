package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

const (
	admin     = "admin"
	minter    = "minter"
	validator = "validator"
	issuer    = "acme"
	debtor    = "buyer"
	lp        = "lp-1"
)

// run 在 now 时刻执行 fn，成功则提交
func run(s *State, now time.Time, fn func(tx *Tx) error) error {
	tx := s.Begin(now)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Validate(); err != nil {
		return err
	}
	s.Commit(tx)
	return nil
}

func mustRun(t *testing.T, s *State, now time.Time, fn func(tx *Tx) error) {
	t.Helper()
	require.NoError(t, run(s, now, fn))
	require.NoError(t, s.CheckInvariants())
}

func newTestState(t *testing.T, params Params) *State {
	t.Helper()
	s, err := NewState(params)
	require.NoError(t, err)
	mustRun(t, s, t0, func(tx *Tx) error {
		tx.EnsureVaults()
		for _, g := range []struct {
			p string
			r Role
		}{{admin, RoleAdmin}, {minter, RoleMinter}, {validator, RoleValidator}} {
			if err := tx.ProvisionRole("bootstrap", g.p, g.r); err != nil {
				return err
			}
		}
		return nil
	})
	return s
}

func topUp(t *testing.T, s *State, principal string, amount int64) {
	t.Helper()
	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.TopUp(admin, principal, amount, "test")
		return err
	})
}

// fundedInvoice 存入 10000 到 Prime 池，提交面值 10000 的发票并放款 8500
func fundedInvoice(t *testing.T, s *State) *Invoice {
	t.Helper()
	topUp(t, s, lp, 10_000)
	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.Deposit(lp, TierPrime, 10_000)
		return err
	})

	var inv *Invoice
	mustRun(t, s, t0, func(tx *Tx) error {
		var err error
		if inv, err = tx.SubmitInvoice("INV-1", issuer, debtor, 10_000, t0.Add(30*24*time.Hour), ""); err != nil {
			return err
		}
		if inv, err = tx.AssessInvoice(validator, inv.ID, 90); err != nil {
			return err
		}
		if inv, err = tx.TokenizeInvoice(minter, inv.ID); err != nil {
			return err
		}
		inv, err = tx.FundInvoice(issuer, inv.ID)
		return err
	})
	return inv
}

func TestLifecycleHappyPath(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)

	assert.Equal(t, 93, inv.RiskScore)
	assert.Equal(t, TierPrime, inv.Tier)
	assert.Equal(t, int64(8500), inv.FundedAmount)
	assert.Equal(t, InvoiceStatusFunded, inv.Status)
	assert.Equal(t, int64(8500), s.Balance(WalletAccount(issuer)))

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(8500), v.OutstandingFunded)
	assert.Equal(t, int64(10_000), v.TotalAssets)

	topUp(t, s, debtor, 9200)
	cashBefore := s.Balance(VaultAccount(TierPrime))
	mustRun(t, s, t0.Add(29*24*time.Hour), func(tx *Tx) error {
		_, err := tx.ReportRepayment(debtor, inv.ID, 9200)
		return err
	})

	repaid, _ := s.Invoice(inv.ID)
	assert.Equal(t, InvoiceStatusRepaid, repaid.Status)
	assert.Equal(t, int64(9200), repaid.AmountRepaid)
	assert.NotNil(t, repaid.SettledAt)

	v, _ = s.Vault(TierPrime)
	assert.Equal(t, cashBefore+9200, s.Balance(VaultAccount(TierPrime)))
	assert.Equal(t, int64(0), v.OutstandingFunded)
	assert.Equal(t, int64(10_700), v.TotalAssets)
	assert.True(t, v.SharePrice().Equal(decimal.RequireFromString("1.07")))
}

func TestDefaultWritesOffPrincipal(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	grace := s.Params().GracePeriod

	// 宽限期内不可核销
	err := run(s, inv.DueDate.Add(grace), func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 0, "")
		return err
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	mustRun(t, s, inv.DueDate.Add(grace+time.Hour), func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 0, "")
		return err
	})

	defaulted, _ := s.Invoice(inv.ID)
	assert.Equal(t, InvoiceStatusDefaulted, defaulted.Status)
	assert.Equal(t, int64(8500), defaulted.LossAmount)

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(1500), v.TotalAssets)
	assert.Equal(t, int64(0), v.OutstandingFunded)
	assert.Equal(t, int64(8500), v.RealizedLoss)
	assert.True(t, v.SharePrice().LessThan(decimal.NewFromInt(1)))
	assert.True(t, v.SharePrice().Equal(decimal.RequireFromString("0.15")))
}

func TestDefaultWithPartialRecovery(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	topUp(t, s, validator, 3000)

	mustRun(t, s, inv.DueDate.Add(s.Params().GracePeriod+time.Minute), func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 3000, "")
		return err
	})

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(10_000-5500), v.TotalAssets)
	assert.Equal(t, int64(1500+3000), s.Balance(VaultAccount(TierPrime)))
}

func TestDefaultRecoveryOnlyFromCallerWallet(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	topUp(t, s, "bystander", 5000)
	after := inv.DueDate.Add(s.Params().GracePeriod + time.Minute)

	err := run(s, after, func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 5000, "bystander")
		return err
	})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(5000), s.Balance(WalletAccount("bystander")))
	cur, _ := s.Invoice(inv.ID)
	assert.Equal(t, InvoiceStatusFunded, cur.Status)

	topUp(t, s, validator, 2000)
	mustRun(t, s, after, func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 2000, validator)
		return err
	})
	assert.Equal(t, int64(0), s.Balance(WalletAccount(validator)))
	assert.Equal(t, int64(5000), s.Balance(WalletAccount("bystander")))
}

func TestObligationLockedAtFunding(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	assert.Equal(t, int64(9180), inv.Obligation)

	// 重启后目标收益率调高，不影响已放款发票
	params := DefaultParams()
	params.Vaults[0].TargetYield = decimal.RequireFromString("0.30")
	restored, err := Restore(params, snapshotOf(s))
	require.NoError(t, err)
	mustRun(t, restored, t0, func(tx *Tx) error {
		tx.EnsureVaults()
		return nil
	})
	v, _ := restored.Vault(TierPrime)
	require.True(t, v.TargetYield.Equal(decimal.RequireFromString("0.30")))

	topUp(t, restored, debtor, 9180)
	mustRun(t, restored, t0.Add(24*time.Hour), func(tx *Tx) error {
		_, err := tx.ReportRepayment(debtor, inv.ID, 9180)
		return err
	})
	repaid, _ := restored.Invoice(inv.ID)
	assert.Equal(t, InvoiceStatusRepaid, repaid.Status)
	assert.Equal(t, int64(9180), repaid.Obligation)
}

// snapshotOf 导出当前状态的完整快照
func snapshotOf(s *State) *Snapshot {
	snap := &Snapshot{Supply: s.supply, LastPostingSeq: s.postingSeq}
	for _, r := range s.roles {
		c := *r
		snap.Roles = append(snap.Roles, &c)
	}
	for _, inv := range s.invoices {
		snap.Invoices = append(snap.Invoices, inv.Clone())
	}
	for _, v := range s.vaults {
		snap.Vaults = append(snap.Vaults, v.Clone())
	}
	for _, p := range s.positions {
		c := *p
		snap.Positions = append(snap.Positions, &c)
	}
	for _, a := range s.accounts {
		c := *a
		snap.Accounts = append(snap.Accounts, &c)
	}
	return snap
}

func TestDefaultRejectsFullRecovery(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	topUp(t, s, validator, 9180)

	err := run(s, inv.DueDate.Add(s.Params().GracePeriod+time.Minute), func(tx *Tx) error {
		_, err := tx.MarkDefault(validator, inv.ID, 9180, "")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWithdrawLimitedToIdleCash(t *testing.T) {
	s := newTestState(t, DefaultParams())
	fundedInvoice(t, s)

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.Withdraw(lp, TierPrime, 1600)
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	var res *WithdrawResult
	mustRun(t, s, t0, func(tx *Tx) error {
		var err error
		res, err = tx.Withdraw(lp, TierPrime, 1500)
		return err
	})
	assert.Equal(t, int64(1500), res.Amount)
	assert.Equal(t, int64(8500), res.Position.Shares)
	assert.Equal(t, int64(1500), s.Balance(WalletAccount(lp)))
}

func TestWithdrawMoreSharesThanHeld(t *testing.T) {
	s := newTestState(t, DefaultParams())
	topUp(t, s, lp, 100)
	topUp(t, s, "lp-2", 100)
	mustRun(t, s, t0, func(tx *Tx) error {
		if _, err := tx.Deposit(lp, TierGrowth, 100); err != nil {
			return err
		}
		_, err := tx.Deposit("lp-2", TierGrowth, 100)
		return err
	})

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.Withdraw(lp, TierGrowth, 101)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestWithdrawFromEmptyVaultHitsDivisionGuard(t *testing.T) {
	s := newTestState(t, DefaultParams())
	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.Withdraw(lp, TierEmerging, 10)
		return err
	})
	assert.ErrorIs(t, err, ErrDivisionGuard)
}

func TestUnauthorizedAssessLeavesInvoiceUntouched(t *testing.T) {
	s := newTestState(t, DefaultParams())
	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.SubmitInvoice("INV-9", issuer, debtor, 5000, t0.Add(48*time.Hour), "")
		return err
	})

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.AssessInvoice(issuer, "INV-9", 95)
		return err
	})
	require.ErrorIs(t, err, ErrUnauthorized)

	inv, ok := s.Invoice("INV-9")
	require.True(t, ok)
	assert.Equal(t, InvoiceStatusUploaded, inv.Status)
	assert.False(t, inv.Assessed)
	assert.Equal(t, int64(1), inv.Version)
}

func TestAssessTwice(t *testing.T) {
	s := newTestState(t, DefaultParams())
	mustRun(t, s, t0, func(tx *Tx) error {
		if _, err := tx.SubmitInvoice("INV-2", issuer, debtor, 5000, t0.Add(48*time.Hour), ""); err != nil {
			return err
		}
		_, err := tx.AssessInvoice(validator, "INV-2", 10)
		return err
	})
	inv, _ := s.Invoice("INV-2")
	assert.Equal(t, InvoiceStatusRejected, inv.Status)

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.AssessInvoice(validator, "INV-2", 99)
		return err
	})
	assert.ErrorIs(t, err, ErrAlreadyAssessed)

	err = run(s, t0, func(tx *Tx) error {
		_, err := tx.TokenizeInvoice(minter, "INV-2")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFundingIsAtMostOnce(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.FundInvoice(minter, inv.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrAlreadyFunded)

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(8500), v.OutstandingFunded)
}

func TestFundingRespectsReserve(t *testing.T) {
	s := newTestState(t, DefaultParams())
	topUp(t, s, lp, 9000)
	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.Deposit(lp, TierPrime, 9000)
		return err
	})
	mustRun(t, s, t0, func(tx *Tx) error {
		if _, err := tx.SubmitInvoice("INV-3", issuer, debtor, 10_000, t0.Add(30*24*time.Hour), ""); err != nil {
			return err
		}
		if _, err := tx.AssessInvoice(validator, "INV-3", 90); err != nil {
			return err
		}
		_, err := tx.TokenizeInvoice(minter, "INV-3")
		return err
	})

	// 9000 - ⌈0.10 × 9000⌉ = 8100 < 8500
	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.FundInvoice(issuer, "INV-3")
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	err = run(s, t0, func(tx *Tx) error {
		_, err := tx.FundInvoice("stranger", "INV-3")
		return err
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRepaymentBelowObligation(t *testing.T) {
	s := newTestState(t, DefaultParams())
	inv := fundedInvoice(t, s)
	topUp(t, s, debtor, 9179)

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.ReportRepayment(debtor, inv.ID, 9179)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestProtocolFeeGoesToTreasury(t *testing.T) {
	params := DefaultParams()
	params.FeeRate = decimal.RequireFromString("0.10")
	s := newTestState(t, params)
	inv := fundedInvoice(t, s)
	topUp(t, s, debtor, 9200)

	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.ReportRepayment(debtor, inv.ID, 9200)
		return err
	})

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(70), s.Balance(TreasuryAccount))
	assert.Equal(t, int64(10_630), v.TotalAssets)
	assert.Equal(t, int64(70), v.FeesCollected)
	assert.Equal(t, v.Idle(), s.Balance(VaultAccount(TierPrime)))
}

func TestDepositEdgeCases(t *testing.T) {
	t.Run("non-positive amount", func(t *testing.T) {
		s := newTestState(t, DefaultParams())
		err := run(s, t0, func(tx *Tx) error {
			_, err := tx.Deposit(lp, TierPrime, 0)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("zero shares issued", func(t *testing.T) {
		s := newTestState(t, DefaultParams())
		inv := fundedInvoice(t, s)
		topUp(t, s, debtor, 9200)
		mustRun(t, s, t0, func(tx *Tx) error {
			_, err := tx.ReportRepayment(debtor, inv.ID, 9200)
			return err
		})
		topUp(t, s, "lp-2", 1)
		err := run(s, t0, func(tx *Tx) error {
			_, err := tx.Deposit("lp-2", TierPrime, 1)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("shares without assets", func(t *testing.T) {
		params := DefaultParams()
		params.Risk.Bands[0].AdvanceRate = decimal.NewFromInt(1)
		params.Vaults[0].ReserveRatio = decimal.Zero
		s := newTestState(t, params)
		topUp(t, s, lp, 1000)
		mustRun(t, s, t0, func(tx *Tx) error {
			if _, err := tx.Deposit(lp, TierPrime, 1000); err != nil {
				return err
			}
			if _, err := tx.SubmitInvoice("INV-4", issuer, debtor, 1000, t0.Add(24*time.Hour), ""); err != nil {
				return err
			}
			if _, err := tx.AssessInvoice(validator, "INV-4", 100); err != nil {
				return err
			}
			if _, err := tx.TokenizeInvoice(minter, "INV-4"); err != nil {
				return err
			}
			_, err := tx.FundInvoice(issuer, "INV-4")
			return err
		})
		mustRun(t, s, t0.Add(24*time.Hour+params.GracePeriod+time.Second), func(tx *Tx) error {
			_, err := tx.MarkDefault(validator, "INV-4", 0, "")
			return err
		})

		v, _ := s.Vault(TierPrime)
		require.Equal(t, int64(0), v.TotalAssets)
		require.Equal(t, int64(1000), v.TotalShares)

		topUp(t, s, "lp-2", 50)
		err := run(s, t0, func(tx *Tx) error {
			_, err := tx.Deposit("lp-2", TierPrime, 50)
			return err
		})
		assert.ErrorIs(t, err, ErrDivisionGuard)

		err = run(s, t0, func(tx *Tx) error {
			_, err := tx.Withdraw(lp, TierPrime, 1000)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestSharePriceMonotonicWithoutLosses(t *testing.T) {
	s := newTestState(t, DefaultParams())
	price := func() decimal.Decimal {
		v, _ := s.Vault(TierPrime)
		return v.SharePrice()
	}

	inv := fundedInvoice(t, s)
	last := price()

	steps := []func(tx *Tx) error{
		func(tx *Tx) error { _, err := tx.TopUp(admin, "lp-2", 3333, "t"); return err },
		func(tx *Tx) error { _, err := tx.Deposit("lp-2", TierPrime, 3333); return err },
		func(tx *Tx) error { _, err := tx.TopUp(admin, debtor, 9300, "t"); return err },
		func(tx *Tx) error { _, err := tx.ReportRepayment(debtor, inv.ID, 9300); return err },
		func(tx *Tx) error { _, err := tx.Withdraw(lp, TierPrime, 777); return err },
		func(tx *Tx) error { _, err := tx.TopUp(admin, "lp-3", 12345, "t"); return err },
		func(tx *Tx) error { _, err := tx.Deposit("lp-3", TierPrime, 12345); return err },
		func(tx *Tx) error { _, err := tx.Withdraw("lp-2", TierPrime, 1000); return err },
	}
	for i, step := range steps {
		mustRun(t, s, t0, step)
		p := price()
		assert.False(t, p.LessThan(last), "step %d: price fell from %s to %s", i, last, p)
		last = p
	}
}

func TestFailedTransactionLeavesStateUnchanged(t *testing.T) {
	s := newTestState(t, DefaultParams())
	topUp(t, s, lp, 500)
	boom := errors.New("boom")

	err := run(s, t0, func(tx *Tx) error {
		if _, err := tx.Deposit(lp, TierPrime, 500); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, _ := s.Vault(TierPrime)
	assert.Equal(t, int64(0), v.TotalAssets)
	assert.Equal(t, int64(500), s.Balance(WalletAccount(lp)))
	assert.Equal(t, int64(0), s.Position(TierPrime, lp).Shares)
}

func TestChangesCoverTouchedRecords(t *testing.T) {
	s := newTestState(t, DefaultParams())
	topUp(t, s, lp, 1000)

	tx := s.Begin(t0)
	_, err := tx.Deposit(lp, TierGrowth, 1000)
	require.NoError(t, err)
	cs := tx.Changes()

	require.Len(t, cs.Vaults, 1)
	assert.Equal(t, TierGrowth, cs.Vaults[0].Tier)
	require.Len(t, cs.Positions, 1)
	assert.Equal(t, int64(1000), cs.Positions[0].Shares)
	assert.Len(t, cs.Accounts, 2)
	require.Len(t, cs.Postings, 1)
	assert.Equal(t, PostingDeposit, cs.Postings[0].Kind)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, "VaultDeposited", cs.Events[0].EventType())

	s.Commit(tx)
	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.Withdraw(lp, TierGrowth, 1000)
		return err
	})
	tx = s.Begin(t0)
	assert.True(t, tx.Changes().Empty())
	assert.Empty(t, s.Positions(lp))
}

func TestLedgerTopUpAndPayout(t *testing.T) {
	s := newTestState(t, DefaultParams())

	err := run(s, t0, func(tx *Tx) error {
		_, err := tx.TopUp(lp, lp, 100, "self")
		return err
	})
	require.ErrorIs(t, err, ErrUnauthorized)

	topUp(t, s, lp, 100)
	assert.Equal(t, int64(100), s.Supply())

	err = run(s, t0, func(tx *Tx) error {
		_, err := tx.Payout(admin, lp, 101, "too much")
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	mustRun(t, s, t0, func(tx *Tx) error {
		_, err := tx.Payout(admin, lp, 40, "out")
		return err
	})
	assert.Equal(t, int64(60), s.Supply())
	assert.Equal(t, int64(60), s.Balance(WalletAccount(lp)))
}

func TestGrantAndRevokeRequireAdmin(t *testing.T) {
	s := newTestState(t, DefaultParams())

	err := run(s, t0, func(tx *Tx) error { return tx.GrantRole(minter, "v2", RoleValidator) })
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, s.HasRole("v2", RoleValidator))

	mustRun(t, s, t0, func(tx *Tx) error { return tx.GrantRole(admin, "v2", RoleValidator) })
	assert.True(t, s.HasRole("v2", RoleValidator))

	mustRun(t, s, t0, func(tx *Tx) error { return tx.RevokeRole(admin, "v2", RoleValidator) })
	assert.False(t, s.HasRole("v2", RoleValidator))
}

func TestMulDivOverflow(t *testing.T) {
	_, err := mulDiv(math.MaxInt64, 2, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	q, err := mulDiv(7, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(23), q)

	_, err = mulDiv(1, 1, 0)
	assert.ErrorIs(t, err, ErrDivisionGuard)
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	snap := &Snapshot{
		Vaults:   []*Vault{{Tier: TierPrime, TotalAssets: 100, TotalShares: 100}},
		Accounts: []*Account{{ID: VaultAccount(TierPrime), Balance: 100}},
		Supply:   100,
	}
	_, err := Restore(DefaultParams(), snap)
	assert.Error(t, err)

	snap.Positions = []*Position{{Tier: TierPrime, Depositor: lp, Shares: 100}}
	s, err := Restore(DefaultParams(), snap)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.Position(TierPrime, lp).Shares)
}
