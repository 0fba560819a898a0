// Package memory 提供进程内的账本存储，用于 database.driver = "memory" 与测试
package memory

import (
	"context"
	"sync"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
)

// StateStore 内存实现，Commit 在单个互斥区内整体生效
type StateStore struct {
	mu        sync.Mutex
	roles     map[domain.RoleKey]domain.RoleAssignment
	invoices  map[string]domain.Invoice
	vaults    map[domain.Tier]domain.Vault
	positions map[domain.PositionKey]domain.Position
	accounts  map[string]domain.Account
	postings  []domain.Posting
	events    []domain.Event
	supply    int64
	seq       int64
}

// NewStateStore 创建空存储
func NewStateStore() *StateStore {
	return &StateStore{
		roles:     make(map[domain.RoleKey]domain.RoleAssignment),
		invoices:  make(map[string]domain.Invoice),
		vaults:    make(map[domain.Tier]domain.Vault),
		positions: make(map[domain.PositionKey]domain.Position),
		accounts:  make(map[string]domain.Account),
	}
}

// Load 返回当前快照的深拷贝
func (s *StateStore) Load(_ context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &domain.Snapshot{Supply: s.supply, LastPostingSeq: s.seq}
	for _, r := range s.roles {
		r := r
		snap.Roles = append(snap.Roles, &r)
	}
	for _, inv := range s.invoices {
		inv := inv
		snap.Invoices = append(snap.Invoices, inv.Clone())
	}
	for _, v := range s.vaults {
		v := v
		snap.Vaults = append(snap.Vaults, v.Clone())
	}
	for _, p := range s.positions {
		p := p
		snap.Positions = append(snap.Positions, &p)
	}
	for _, a := range s.accounts {
		a := a
		snap.Accounts = append(snap.Accounts, &a)
	}
	return snap, nil
}

// Commit 应用一次变更
func (s *StateStore) Commit(ctx context.Context, c domain.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range c.Roles {
		s.roles[r.Key()] = *r
	}
	for _, k := range c.RevokedRoles {
		delete(s.roles, k)
	}
	for _, inv := range c.Invoices {
		s.invoices[inv.ID] = *inv.Clone()
	}
	for _, v := range c.Vaults {
		s.vaults[v.Tier] = *v.Clone()
	}
	for _, p := range c.Positions {
		s.positions[p.Key()] = *p
	}
	for _, k := range c.ClosedPositions {
		delete(s.positions, k)
	}
	for _, a := range c.Accounts {
		s.accounts[a.ID] = *a
	}
	s.postings = append(s.postings, c.Postings...)
	s.events = append(s.events, c.Events...)
	s.supply = c.Supply
	s.seq = c.LastPostingSeq
	return nil
}

// Postings 已写入的过账记录
func (s *StateStore) Postings() []domain.Posting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Posting(nil), s.postings...)
}

// Events 已写入的领域事件
func (s *StateStore) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}
