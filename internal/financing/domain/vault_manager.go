package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EnsureVaults 按配置建立缺失的资金池，并同步已有资金池的参数
func (tx *Tx) EnsureVaults() {
	for _, spec := range tx.s.params.Vaults {
		v, err := tx.vault(spec.Tier)
		if err != nil {
			tx.vaults[spec.Tier] = NewVault(spec, tx.now)
			continue
		}
		if !v.ReserveRatio.Equal(spec.ReserveRatio) || !v.TargetYield.Equal(spec.TargetYield) {
			v.ReserveRatio = spec.ReserveRatio
			v.TargetYield = spec.TargetYield
			v.touch(tx.now)
		}
	}
}

// DepositResult 存入结果
type DepositResult struct {
	Shares   int64
	Vault    *Vault
	Position Position
}

// Deposit 从存款人钱包存入资金池，按净值发行份额
func (tx *Tx) Deposit(depositor string, tier Tier, amount int64) (*DepositResult, error) {
	if depositor == "" {
		return nil, fmt.Errorf("%w: depositor is required", ErrInvalidRequest)
	}
	v, err := tx.vault(tier)
	if err != nil {
		return nil, err
	}
	shares, err := v.PreviewDeposit(amount)
	if err != nil {
		return nil, err
	}
	assets, err := checkedAdd(v.TotalAssets, amount)
	if err != nil {
		return nil, err
	}
	totalShares, err := checkedAdd(v.TotalShares, shares)
	if err != nil {
		return nil, err
	}
	if err := tx.transfer(PostingDeposit, WalletAccount(depositor), VaultAccount(tier), amount, string(tier)); err != nil {
		return nil, err
	}

	v.TotalAssets = assets
	v.TotalShares = totalShares
	v.touch(tx.now)
	pos := tx.position(tier, depositor)
	pos.Shares += shares
	pos.UpdatedAt = tx.now
	tx.shareDelta[tier] += shares

	tx.emit(VaultDepositedEvent{BaseEvent: tx.base(string(tier)), Depositor: depositor, Amount: amount, Shares: shares})
	return &DepositResult{Shares: shares, Vault: v.Clone(), Position: *pos}, nil
}

// WithdrawResult 赎回结果
type WithdrawResult struct {
	Amount   int64
	Vault    *Vault
	Position Position
}

// Withdraw 赎回份额，只能动用闲置资金
func (tx *Tx) Withdraw(depositor string, tier Tier, shares int64) (*WithdrawResult, error) {
	if depositor == "" {
		return nil, fmt.Errorf("%w: depositor is required", ErrInvalidRequest)
	}
	v, err := tx.vault(tier)
	if err != nil {
		return nil, err
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: withdraw shares %d", ErrInvalidAmount, shares)
	}
	amount, err := v.PreviewWithdraw(shares)
	if err != nil {
		return nil, err
	}
	pos := tx.position(tier, depositor)
	if shares > pos.Shares {
		return nil, fmt.Errorf("%w: %s holds %d shares of %s, requested %d", ErrInsufficientBalance, depositor, pos.Shares, tier, shares)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: %d shares redeem to zero", ErrInvalidAmount, shares)
	}
	if amount > v.Idle() {
		return nil, fmt.Errorf("%w: vault %s idle %d, requested %d", ErrInsufficientLiquidity, tier, v.Idle(), amount)
	}
	if err := tx.transfer(PostingWithdraw, VaultAccount(tier), WalletAccount(depositor), amount, string(tier)); err != nil {
		return nil, err
	}

	v.TotalAssets -= amount
	v.TotalShares -= shares
	v.touch(tx.now)
	pos.Shares -= shares
	pos.UpdatedAt = tx.now
	tx.shareDelta[tier] -= shares

	tx.emit(VaultWithdrawnEvent{BaseEvent: tx.base(string(tier)), Depositor: depositor, Amount: amount, Shares: shares})
	return &WithdrawResult{Amount: amount, Vault: v.Clone(), Position: *pos}, nil
}

// FundInvoice 从对应等级资金池放款给出票人。Minter 或出票人本人可调用；
// 额度检查、放款与状态变更在同一事务内完成，保证每张发票至多放款一次
func (tx *Tx) FundInvoice(caller, invoiceID string) (*Invoice, error) {
	if caller == "" {
		return nil, fmt.Errorf("%w: caller is required", ErrUnauthorized)
	}
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if caller != inv.Issuer && !tx.HasRole(caller, RoleMinter) {
		return nil, fmt.Errorf("%w: %q may not fund invoice %s", ErrUnauthorized, caller, inv.ID)
	}
	if inv.FundedAmount > 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrAlreadyFunded, inv.ID)
	}
	if inv.Status != InvoiceStatusTokenized {
		return nil, fmt.Errorf("%w: cannot fund invoice %s in %s", ErrInvalidTransition, inv.ID, inv.Status)
	}
	amount, err := inv.AdvanceAmount()
	if err != nil {
		return nil, err
	}
	v, err := tx.vault(inv.Tier)
	if err != nil {
		return nil, err
	}
	if amount > v.FundingCapacity() {
		return nil, fmt.Errorf("%w: vault %s can fund %d, invoice needs %d", ErrInsufficientLiquidity, v.Tier, v.FundingCapacity(), amount)
	}
	if err := tx.transfer(PostingFunding, VaultAccount(v.Tier), WalletAccount(inv.Issuer), amount, inv.ID); err != nil {
		return nil, err
	}
	if err := inv.markFunded(amount, v.TargetYield, tx.now); err != nil {
		return nil, err
	}
	v.OutstandingFunded += amount
	v.touch(tx.now)

	tx.emit(InvoiceFundedEvent{BaseEvent: tx.base(inv.ID), Tier: v.Tier, Issuer: inv.Issuer, Amount: amount})
	return inv.Clone(), nil
}

// ReportRepayment 付款方从自己的钱包全额偿还：Funded → Repaid。
// 实收超过本金的部分计入资金池收益，按协议费率计提手续费至 treasury
func (tx *Tx) ReportRepayment(payer, invoiceID string, amount int64) (*Invoice, error) {
	if payer == "" {
		return nil, fmt.Errorf("%w: payer is required", ErrUnauthorized)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: repayment amount %d", ErrInvalidAmount, amount)
	}
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceStatusFunded {
		return nil, fmt.Errorf("%w: cannot repay invoice %s in %s", ErrInvalidTransition, inv.ID, inv.Status)
	}
	v, err := tx.vault(inv.Tier)
	if err != nil {
		return nil, err
	}
	obligation := inv.Obligation
	if amount < obligation {
		return nil, fmt.Errorf("%w: repayment %d below obligation %d", ErrInvalidAmount, amount, obligation)
	}

	principal := inv.FundedAmount
	yield := amount - principal
	fee := tx.s.params.FeeRate.Mul(decimal.NewFromInt(yield)).Floor().IntPart()
	assets, err := checkedAdd(v.TotalAssets, yield-fee)
	if err != nil {
		return nil, err
	}

	if err := tx.transfer(PostingRepayment, WalletAccount(payer), VaultAccount(v.Tier), amount, inv.ID); err != nil {
		return nil, err
	}
	if fee > 0 {
		if err := tx.transfer(PostingFee, VaultAccount(v.Tier), TreasuryAccount, fee, inv.ID); err != nil {
			return nil, err
		}
	}
	if err := inv.markRepaid(amount, tx.now); err != nil {
		return nil, err
	}
	v.TotalAssets = assets
	v.OutstandingFunded -= principal
	v.RealizedYield += yield - fee
	v.FeesCollected += fee
	v.touch(tx.now)

	tx.emit(InvoiceRepaidEvent{
		BaseEvent: tx.base(inv.ID),
		Tier:      v.Tier,
		Payer:     payer,
		Amount:    amount,
		Principal: principal,
		Yield:     yield,
		Fee:       fee,
	})
	return inv.Clone(), nil
}

// MarkDefault 宽限期届满后核销：Funded → Defaulted，仅 Validator 可调用。
// recovered 为已追回金额，只能从调用方自己的钱包支付给资金池；损失按份额由存款人分摊
func (tx *Tx) MarkDefault(caller, invoiceID string, recovered int64, recoveryPayer string) (*Invoice, error) {
	if err := tx.requireRole(caller, RoleValidator); err != nil {
		return nil, err
	}
	if recoveryPayer == "" {
		recoveryPayer = caller
	}
	if recoveryPayer != caller {
		return nil, fmt.Errorf("%w: %s cannot debit wallet of %s", ErrUnauthorized, caller, recoveryPayer)
	}
	if recovered < 0 {
		return nil, fmt.Errorf("%w: recovered amount %d", ErrInvalidAmount, recovered)
	}
	inv, err := tx.invoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceStatusFunded {
		return nil, fmt.Errorf("%w: cannot default invoice %s in %s", ErrInvalidTransition, inv.ID, inv.Status)
	}
	if !inv.GraceExpired(tx.now, tx.s.params.GracePeriod) {
		return nil, fmt.Errorf("%w: invoice %s is within its grace period", ErrInvalidTransition, inv.ID)
	}
	v, err := tx.vault(inv.Tier)
	if err != nil {
		return nil, err
	}
	obligation := inv.Obligation
	if recovered >= obligation {
		return nil, fmt.Errorf("%w: recovery %d covers obligation %d, report a repayment instead", ErrInvalidAmount, recovered, obligation)
	}

	if recovered > 0 {
		if err := tx.transfer(PostingRecovery, WalletAccount(recoveryPayer), VaultAccount(v.Tier), recovered, inv.ID); err != nil {
			return nil, err
		}
	}

	principal := inv.FundedAmount
	var writeOff int64
	if recovered >= principal {
		v.TotalAssets += recovered - principal
		v.RealizedYield += recovered - principal
	} else {
		writeOff = min(principal-recovered, v.TotalAssets)
		v.TotalAssets -= writeOff
		v.RealizedLoss += writeOff
	}
	v.OutstandingFunded -= principal
	v.touch(tx.now)
	if err := inv.markDefaulted(recovered, writeOff, tx.now); err != nil {
		return nil, err
	}

	tx.emit(InvoiceDefaultedEvent{
		BaseEvent: tx.base(inv.ID),
		Tier:      v.Tier,
		Principal: principal,
		Recovered: recovered,
		WriteOff:  writeOff,
	})
	return inv.Clone(), nil
}
