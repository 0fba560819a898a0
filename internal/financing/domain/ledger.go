package domain

import (
	"fmt"
	"strings"
	"time"
)

// 账户命名
const (
	walletPrefix = "wallet:"
	vaultPrefix  = "vault:"

	// TreasuryAccount 协议费收入账户
	TreasuryAccount = "treasury"
	// RailAccount 外部稳定币通道，仅出现在过账记录中，不持有余额
	RailAccount = "rail"
)

// WalletAccount 参与方钱包账户
func WalletAccount(principal string) string {
	return walletPrefix + principal
}

// VaultAccount 资金池现金账户
func VaultAccount(tier Tier) string {
	return vaultPrefix + string(tier)
}

// ValidAccountID 账户标识是否合法
func ValidAccountID(id string) bool {
	switch {
	case id == TreasuryAccount:
		return true
	case strings.HasPrefix(id, walletPrefix):
		return len(id) > len(walletPrefix)
	case strings.HasPrefix(id, vaultPrefix):
		t, err := ParseTier(strings.TrimPrefix(id, vaultPrefix))
		return err == nil && t.Fundable()
	default:
		return false
	}
}

// Account 结算账户
type Account struct {
	ID        string
	Balance   int64
	UpdatedAt time.Time
}

// PostingKind 过账类型
type PostingKind string

const (
	PostingTopUp     PostingKind = "TOPUP"
	PostingPayout    PostingKind = "PAYOUT"
	PostingDeposit   PostingKind = "DEPOSIT"
	PostingWithdraw  PostingKind = "WITHDRAW"
	PostingFunding   PostingKind = "FUNDING"
	PostingRepayment PostingKind = "REPAYMENT"
	PostingFee       PostingKind = "FEE"
	PostingRecovery  PostingKind = "RECOVERY"
)

// Posting 一笔借贷成对的过账记录，From 借记、To 贷记
type Posting struct {
	Seq       int64
	Kind      PostingKind
	From      string
	To        string
	Amount    int64
	Reference string
	CreatedAt time.Time
}

// Balance 账户余额（含本事务未提交的变更）
func (tx *Tx) Balance(accountID string) int64 {
	if a, ok := tx.accounts[accountID]; ok {
		return a.Balance
	}
	return tx.s.Balance(accountID)
}

func (tx *Tx) credit(accountID string, amount int64) error {
	a := tx.account(accountID)
	next, err := checkedAdd(a.Balance, amount)
	if err != nil {
		return err
	}
	a.Balance = next
	a.UpdatedAt = tx.now
	return nil
}

func (tx *Tx) debit(accountID string, amount int64) error {
	a := tx.account(accountID)
	if amount > a.Balance {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, accountID, a.Balance, amount)
	}
	a.Balance -= amount
	a.UpdatedAt = tx.now
	return nil
}

// transfer 借记 from、贷记 to，记一笔过账
func (tx *Tx) transfer(kind PostingKind, from, to string, amount int64, reference string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount %d", ErrInvalidAmount, amount)
	}
	if from == to {
		return fmt.Errorf("%w: transfer to the same account %s", ErrInvalidRequest, from)
	}
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	if err := tx.credit(to, amount); err != nil {
		return err
	}
	tx.post(kind, from, to, amount, reference)
	return nil
}

func (tx *Tx) post(kind PostingKind, from, to string, amount int64, reference string) {
	tx.postingSeq++
	tx.postings = append(tx.postings, Posting{
		Seq:       tx.postingSeq,
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: reference,
		CreatedAt: tx.now,
	})
}

// TopUp 外部通道入金，增加总供应量
func (tx *Tx) TopUp(caller, principal string, amount int64, reference string) (*Account, error) {
	if err := tx.requireRole(caller, RoleAdmin); err != nil {
		return nil, err
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: top-up amount %d", ErrInvalidAmount, amount)
	}
	supply, err := checkedAdd(tx.supply, amount)
	if err != nil {
		return nil, err
	}
	account := WalletAccount(principal)
	if err := tx.credit(account, amount); err != nil {
		return nil, err
	}
	tx.supply = supply
	tx.post(PostingTopUp, RailAccount, account, amount, reference)
	tx.emit(LedgerToppedUpEvent{BaseEvent: tx.base(account), Principal: principal, Amount: amount, Reference: reference})
	return tx.accountSnapshot(account), nil
}

// Payout 出金到外部通道，减少总供应量
func (tx *Tx) Payout(caller, principal string, amount int64, reference string) (*Account, error) {
	if err := tx.requireRole(caller, RoleAdmin); err != nil {
		return nil, err
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payout amount %d", ErrInvalidAmount, amount)
	}
	account := WalletAccount(principal)
	if err := tx.debit(account, amount); err != nil {
		return nil, err
	}
	tx.supply -= amount
	tx.post(PostingPayout, account, RailAccount, amount, reference)
	tx.emit(LedgerPaidOutEvent{BaseEvent: tx.base(account), Principal: principal, Amount: amount, Reference: reference})
	return tx.accountSnapshot(account), nil
}

func (tx *Tx) accountSnapshot(id string) *Account {
	a := *tx.account(id)
	return &a
}
