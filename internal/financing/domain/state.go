package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Params 协议参数
type Params struct {
	Risk        RiskPolicy
	Vaults      []VaultSpec
	GracePeriod time.Duration
	// 协议费率，按实现收益计提
	FeeRate decimal.Decimal
}

// DefaultParams 默认协议参数
func DefaultParams() Params {
	return Params{
		Risk:        DefaultRiskPolicy(),
		Vaults:      DefaultVaultSpecs(),
		GracePeriod: 7 * 24 * time.Hour,
		FeeRate:     decimal.Zero,
	}
}

// Validate 校验参数
func (p Params) Validate() error {
	if err := p.Risk.Validate(); err != nil {
		return err
	}
	if len(p.Vaults) == 0 {
		return fmt.Errorf("%w: no vaults configured", ErrInvalidRequest)
	}
	seen := make(map[Tier]bool, len(p.Vaults))
	for _, spec := range p.Vaults {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Tier] {
			return fmt.Errorf("%w: duplicate vault %s", ErrInvalidRequest, spec.Tier)
		}
		seen[spec.Tier] = true
	}
	for _, b := range p.Risk.Bands {
		if b.Tier.Fundable() && !seen[b.Tier] {
			return fmt.Errorf("%w: tier %s has no vault", ErrInvalidRequest, b.Tier)
		}
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalidRequest)
	}
	if p.FeeRate.IsNegative() || p.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fee rate %s outside [0,1]", ErrInvalidRequest, p.FeeRate)
	}
	return nil
}

// State 账本状态：所有记录按稳定 ID 索引。不做并发控制，由上层单写者串行化
type State struct {
	params Params
	engine *RiskEngine

	roles     map[RoleKey]*RoleAssignment
	invoices  map[string]*Invoice
	vaults    map[Tier]*Vault
	positions map[PositionKey]*Position
	accounts  map[string]*Account

	supply     int64
	postingSeq int64
}

// NewState 创建空状态；资金池由 EnsureVaults 在事务中建立
func NewState(params Params) (*State, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	engine, err := NewRiskEngine(params.Risk)
	if err != nil {
		return nil, err
	}
	return &State{
		params:    params,
		engine:    engine,
		roles:     make(map[RoleKey]*RoleAssignment),
		invoices:  make(map[string]*Invoice),
		vaults:    make(map[Tier]*Vault),
		positions: make(map[PositionKey]*Position),
		accounts:  make(map[string]*Account),
	}, nil
}

// Restore 从快照恢复状态并校验不变量
func Restore(params Params, snap *Snapshot) (*State, error) {
	s, err := NewState(params)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return s, nil
	}
	for _, r := range snap.Roles {
		c := *r
		s.roles[c.Key()] = &c
	}
	for _, inv := range snap.Invoices {
		s.invoices[inv.ID] = inv.Clone()
	}
	for _, v := range snap.Vaults {
		s.vaults[v.Tier] = v.Clone()
	}
	for _, p := range snap.Positions {
		if p.Shares == 0 {
			continue
		}
		c := *p
		s.positions[c.Key()] = &c
	}
	for _, a := range snap.Accounts {
		c := *a
		s.accounts[c.ID] = &c
	}
	s.supply = snap.Supply
	s.postingSeq = snap.LastPostingSeq

	if err := s.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("restored state is inconsistent: %w", err)
	}
	return s, nil
}

// Params 返回协议参数
func (s *State) Params() Params { return s.params }

// HasRole 查询角色
func (s *State) HasRole(principal string, role Role) bool {
	_, ok := s.roles[RoleKey{Principal: principal, Role: role}]
	return ok
}

// Roles 返回 principal 的角色列表；principal 为空时返回全部
func (s *State) Roles(principal string) []RoleAssignment {
	out := make([]RoleAssignment, 0)
	for _, r := range s.roles {
		if principal == "" || r.Principal == principal {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Invoice 按 ID 返回发票副本
func (s *State) Invoice(id string) (*Invoice, bool) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

// InvoiceFilter 发票查询条件
type InvoiceFilter struct {
	Issuer string
	Status InvoiceStatus
	Tier   Tier
}

func (f InvoiceFilter) match(inv *Invoice) bool {
	return (f.Issuer == "" || inv.Issuer == f.Issuer) &&
		(f.Status == 0 || inv.Status == f.Status) &&
		(f.Tier == "" || inv.Tier == f.Tier)
}

// Invoices 按创建时间排序返回匹配的发票副本
func (s *State) Invoices(f InvoiceFilter) []*Invoice {
	out := make([]*Invoice, 0)
	for _, inv := range s.invoices {
		if f.match(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Vault 返回资金池副本
func (s *State) Vault(tier Tier) (*Vault, bool) {
	v, ok := s.vaults[tier]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Vaults 按 FundableTiers 顺序返回资金池副本
func (s *State) Vaults() []*Vault {
	out := make([]*Vault, 0, len(s.vaults))
	for _, t := range FundableTiers {
		if v, ok := s.vaults[t]; ok {
			out = append(out, v.Clone())
		}
	}
	return out
}

// Position 返回持仓，不存在时份额为 0
func (s *State) Position(tier Tier, depositor string) Position {
	if p, ok := s.positions[PositionKey{Tier: tier, Depositor: depositor}]; ok {
		return *p
	}
	return Position{Tier: tier, Depositor: depositor}
}

// Positions 返回存款人在各资金池的持仓
func (s *State) Positions(depositor string) []Position {
	out := make([]Position, 0, len(FundableTiers))
	for _, t := range FundableTiers {
		if p, ok := s.positions[PositionKey{Tier: t, Depositor: depositor}]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Balance 账户余额
func (s *State) Balance(accountID string) int64 {
	if a, ok := s.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

// Supply 总供应量
func (s *State) Supply() int64 { return s.supply }

// CheckInvariants 全量校验账本不变量
func (s *State) CheckInvariants() error {
	shares := make(map[Tier]int64, len(s.vaults))
	for k, p := range s.positions {
		if p.Shares <= 0 {
			return fmt.Errorf("position %s/%s holds %d shares", k.Tier, k.Depositor, p.Shares)
		}
		if _, ok := s.vaults[k.Tier]; !ok {
			return fmt.Errorf("position %s/%s references unknown vault", k.Tier, k.Depositor)
		}
		shares[k.Tier] += p.Shares
	}
	outstanding := make(map[Tier]int64, len(s.vaults))
	for id, inv := range s.invoices {
		if inv.Status != InvoiceStatusFunded {
			continue
		}
		if inv.FundedAmount <= 0 || inv.Obligation < inv.FundedAmount {
			return fmt.Errorf("invoice %s: funded %d with obligation %d", id, inv.FundedAmount, inv.Obligation)
		}
		outstanding[inv.Tier] += inv.FundedAmount
	}
	for tier, v := range s.vaults {
		if err := checkVault(v, s.Balance(VaultAccount(tier))); err != nil {
			return err
		}
		if outstanding[tier] != v.OutstandingFunded {
			return fmt.Errorf("vault %s: funded invoices total %d, vault reports %d outstanding", tier, outstanding[tier], v.OutstandingFunded)
		}
		if shares[tier] != v.TotalShares {
			return fmt.Errorf("vault %s: positions hold %d shares, vault reports %d", tier, shares[tier], v.TotalShares)
		}
	}
	var total int64
	for id, a := range s.accounts {
		if a.Balance < 0 {
			return fmt.Errorf("account %s has negative balance %d", id, a.Balance)
		}
		total += a.Balance
	}
	if total != s.supply {
		return fmt.Errorf("balances sum to %d, supply is %d", total, s.supply)
	}
	return nil
}

func checkVault(v *Vault, cash int64) error {
	switch {
	case v.TotalAssets < 0:
		return fmt.Errorf("vault %s: negative total assets %d", v.Tier, v.TotalAssets)
	case v.OutstandingFunded < 0 || v.OutstandingFunded > v.TotalAssets:
		return fmt.Errorf("vault %s: outstanding %d outside [0,%d]", v.Tier, v.OutstandingFunded, v.TotalAssets)
	case v.TotalShares < 0:
		return fmt.Errorf("vault %s: negative shares %d", v.Tier, v.TotalShares)
	case cash != v.Idle():
		return fmt.Errorf("vault %s: cash %d differs from idle %d", v.Tier, cash, v.Idle())
	}
	return nil
}

// Tx 对 State 的写时复制视图。读取时把记录拷贝进本地，
// 只有 Commit 时才合并回 State；出错时直接丢弃即可
type Tx struct {
	s   *State
	now time.Time

	roles     map[RoleKey]*RoleAssignment // nil 表示撤销
	invoices  map[string]*Invoice
	vaults    map[Tier]*Vault
	positions map[PositionKey]*Position
	accounts  map[string]*Account

	shareDelta map[Tier]int64
	supply     int64
	postingSeq int64
	postings   []Posting
	events     []Event
}

// Begin 开启事务
func (s *State) Begin(now time.Time) *Tx {
	return &Tx{
		s:          s,
		now:        now.UTC(),
		roles:      make(map[RoleKey]*RoleAssignment),
		invoices:   make(map[string]*Invoice),
		vaults:     make(map[Tier]*Vault),
		positions:  make(map[PositionKey]*Position),
		accounts:   make(map[string]*Account),
		shareDelta: make(map[Tier]int64),
		supply:     s.supply,
		postingSeq: s.postingSeq,
	}
}

// Now 事务时间
func (tx *Tx) Now() time.Time { return tx.now }

// Events 本事务产生的事件
func (tx *Tx) Events() []Event { return tx.events }

func (tx *Tx) emit(e Event) {
	tx.events = append(tx.events, e)
}

func (tx *Tx) base(aggregateID string) BaseEvent {
	return BaseEvent{Aggregate: aggregateID, Timestamp: tx.now}
}

func (tx *Tx) invoice(id string) (*Invoice, error) {
	if inv, ok := tx.invoices[id]; ok {
		return inv, nil
	}
	inv, ok := tx.s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
	}
	c := inv.Clone()
	tx.invoices[id] = c
	return c, nil
}

func (tx *Tx) vault(tier Tier) (*Vault, error) {
	if v, ok := tx.vaults[tier]; ok {
		return v, nil
	}
	v, ok := tx.s.vaults[tier]
	if !ok {
		return nil, fmt.Errorf("%w: no vault for tier %s", ErrInvalidRequest, tier)
	}
	c := v.Clone()
	tx.vaults[tier] = c
	return c, nil
}

func (tx *Tx) position(tier Tier, depositor string) *Position {
	key := PositionKey{Tier: tier, Depositor: depositor}
	if p, ok := tx.positions[key]; ok {
		return p
	}
	var p Position
	if existing, ok := tx.s.positions[key]; ok {
		p = *existing
	} else {
		p = Position{Tier: tier, Depositor: depositor}
	}
	tx.positions[key] = &p
	return &p
}

func (tx *Tx) account(id string) *Account {
	if a, ok := tx.accounts[id]; ok {
		return a
	}
	var a Account
	if existing, ok := tx.s.accounts[id]; ok {
		a = *existing
	} else {
		a = Account{ID: id}
	}
	tx.accounts[id] = &a
	return &a
}

// Validate 校验本事务触及记录的不变量
func (tx *Tx) Validate() error {
	for tier, v := range tx.vaults {
		if err := checkVault(v, tx.Balance(VaultAccount(tier))); err != nil {
			return err
		}
		if base, ok := tx.s.vaults[tier]; ok && v.TotalShares-base.TotalShares != tx.shareDelta[tier] {
			return fmt.Errorf("vault %s: share delta %d differs from position delta %d",
				tier, v.TotalShares-base.TotalShares, tx.shareDelta[tier])
		}
	}
	for k, p := range tx.positions {
		if p.Shares < 0 {
			return fmt.Errorf("position %s/%s negative shares %d", k.Tier, k.Depositor, p.Shares)
		}
	}
	var delta int64
	for id, a := range tx.accounts {
		if a.Balance < 0 {
			return fmt.Errorf("account %s negative balance %d", id, a.Balance)
		}
		delta += a.Balance - tx.s.Balance(id)
	}
	if delta != tx.supply-tx.s.supply {
		return fmt.Errorf("balance delta %d differs from supply delta %d", delta, tx.supply-tx.s.supply)
	}
	return nil
}

// Changes 汇总本事务的变更，按键排序以保证持久化顺序稳定
func (tx *Tx) Changes() ChangeSet {
	cs := ChangeSet{
		Supply:         tx.supply,
		LastPostingSeq: tx.postingSeq,
		Postings:       append([]Posting(nil), tx.postings...),
		Events:         append([]Event(nil), tx.events...),
	}
	for k, r := range tx.roles {
		if r == nil {
			cs.RevokedRoles = append(cs.RevokedRoles, k)
		} else {
			c := *r
			cs.Roles = append(cs.Roles, &c)
		}
	}
	sort.Slice(cs.Roles, func(i, j int) bool { return roleKeyLess(cs.Roles[i].Key(), cs.Roles[j].Key()) })
	sort.Slice(cs.RevokedRoles, func(i, j int) bool { return roleKeyLess(cs.RevokedRoles[i], cs.RevokedRoles[j]) })

	for _, inv := range tx.invoices {
		if base, ok := tx.s.invoices[inv.ID]; ok && base.Version == inv.Version {
			continue
		}
		cs.Invoices = append(cs.Invoices, inv.Clone())
	}
	sort.Slice(cs.Invoices, func(i, j int) bool { return cs.Invoices[i].ID < cs.Invoices[j].ID })

	for _, v := range tx.vaults {
		if base, ok := tx.s.vaults[v.Tier]; ok && base.Version == v.Version {
			continue
		}
		cs.Vaults = append(cs.Vaults, v.Clone())
	}
	sort.Slice(cs.Vaults, func(i, j int) bool { return cs.Vaults[i].Tier < cs.Vaults[j].Tier })

	for k, p := range tx.positions {
		base, existed := tx.s.positions[k]
		switch {
		case p.Shares == 0 && existed:
			cs.ClosedPositions = append(cs.ClosedPositions, k)
		case p.Shares == 0:
		case existed && base.Shares == p.Shares:
		default:
			c := *p
			cs.Positions = append(cs.Positions, &c)
		}
	}
	sort.Slice(cs.Positions, func(i, j int) bool { return positionKeyLess(cs.Positions[i].Key(), cs.Positions[j].Key()) })
	sort.Slice(cs.ClosedPositions, func(i, j int) bool { return positionKeyLess(cs.ClosedPositions[i], cs.ClosedPositions[j]) })

	for id, a := range tx.accounts {
		if base, ok := tx.s.accounts[id]; ok && base.Balance == a.Balance {
			continue
		}
		c := *a
		cs.Accounts = append(cs.Accounts, &c)
	}
	sort.Slice(cs.Accounts, func(i, j int) bool { return cs.Accounts[i].ID < cs.Accounts[j].ID })
	return cs
}

// Commit 将事务合并回状态。调用方须保证期间无其他写入
func (s *State) Commit(tx *Tx) {
	if tx.s != s {
		panic("domain: committing a transaction begun on another state")
	}
	for k, r := range tx.roles {
		if r == nil {
			delete(s.roles, k)
		} else {
			s.roles[k] = r
		}
	}
	for id, inv := range tx.invoices {
		s.invoices[id] = inv
	}
	for tier, v := range tx.vaults {
		s.vaults[tier] = v
	}
	for k, p := range tx.positions {
		if p.Shares == 0 {
			delete(s.positions, k)
		} else {
			s.positions[k] = p
		}
	}
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	s.supply = tx.supply
	s.postingSeq = tx.postingSeq
	// 事务提交后不可再使用
	tx.s = nil
}

func roleKeyLess(a, b RoleKey) bool {
	if a.Principal != b.Principal {
		return a.Principal < b.Principal
	}
	return a.Role < b.Role
}

func positionKeyLess(a, b PositionKey) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.Depositor < b.Depositor
}
