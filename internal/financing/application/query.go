package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
)

// ListInvoicesQuery 发票列表查询
type ListInvoicesQuery struct {
	Issuer string
	Status string
	Tier   string
	Limit  int
	Offset int
}

const maxListLimit = 500

// GetInvoice 查询单张发票
func (s *FinancingService) GetInvoice(_ context.Context, id string) (*InvoiceDTO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.state.Invoice(id)
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, id)
	}
	return toInvoiceDTO(inv), nil
}

// ListInvoices 分页查询发票，返回当页数据与总数
func (s *FinancingService) ListInvoices(_ context.Context, q ListInvoicesQuery) ([]*InvoiceDTO, int, error) {
	filter := domain.InvoiceFilter{Issuer: q.Issuer}
	if q.Status != "" {
		st, err := domain.ParseInvoiceStatus(q.Status)
		if err != nil {
			return nil, 0, err
		}
		filter.Status = st
	}
	if q.Tier != "" {
		t, err := domain.ParseTier(q.Tier)
		if err != nil {
			return nil, 0, err
		}
		filter.Tier = t
	}
	if q.Limit <= 0 || q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	s.mu.RLock()
	all := s.state.Invoices(filter)
	s.mu.RUnlock()

	total := len(all)
	if q.Offset >= total {
		return []*InvoiceDTO{}, total, nil
	}
	end := min(q.Offset+q.Limit, total)
	out := make([]*InvoiceDTO, 0, end-q.Offset)
	for _, inv := range all[q.Offset:end] {
		out = append(out, toInvoiceDTO(inv))
	}
	return out, total, nil
}

// OverdueInvoices 已放款且超过宽限期的发票
func (s *FinancingService) OverdueInvoices(_ context.Context) []*InvoiceDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	grace := s.state.Params().GracePeriod
	out := make([]*InvoiceDTO, 0)
	for _, inv := range s.state.Invoices(domain.InvoiceFilter{Status: domain.InvoiceStatusFunded}) {
		if inv.GraceExpired(now, grace) {
			out = append(out, toInvoiceDTO(inv))
		}
	}
	return out
}

// GetVault 查询资金池
func (s *FinancingService) GetVault(_ context.Context, tier string) (*VaultDTO, error) {
	t, err := domain.ParseTier(tier)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.Vault(t)
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", domain.ErrNotFound, t)
	}
	return toVaultDTO(v), nil
}

// ListVaults 全部资金池
func (s *FinancingService) ListVaults(_ context.Context) []*VaultDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vaults := s.state.Vaults()
	out := make([]*VaultDTO, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, toVaultDTO(v))
	}
	return out
}

// GetPosition 存款人在指定资金池的持仓
func (s *FinancingService) GetPosition(_ context.Context, tier, depositor string) (*PositionDTO, error) {
	t, err := domain.ParseTier(tier)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.Vault(t)
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", domain.ErrNotFound, t)
	}
	return toPositionDTO(s.state.Position(t, depositor), v), nil
}

// ListPositions 存款人的全部持仓
func (s *FinancingService) ListPositions(_ context.Context, depositor string) []*PositionDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := s.state.Positions(depositor)
	out := make([]*PositionDTO, 0, len(positions))
	for _, p := range positions {
		v, _ := s.state.Vault(p.Tier)
		out = append(out, toPositionDTO(p, v))
	}
	return out
}

// GetBalance 账户余额，账户 ID 形如 wallet:<principal>、vault:<tier>、treasury
func (s *FinancingService) GetBalance(_ context.Context, accountID string) (*AccountDTO, error) {
	if !domain.ValidAccountID(accountID) {
		return nil, fmt.Errorf("%w: account %q", domain.ErrInvalidRequest, accountID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &AccountDTO{Account: accountID, Balance: s.state.Balance(accountID)}, nil
}

// ListRoles 主体持有的角色
func (s *FinancingService) ListRoles(_ context.Context, principal string) []*RoleDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := s.state.Roles(principal)
	out := make([]*RoleDTO, 0, len(roles))
	for _, r := range roles {
		out = append(out, toRoleDTO(r))
	}
	return out
}

// HasRole 查询主体是否持有角色
func (s *FinancingService) HasRole(_ context.Context, principal, role string) (bool, error) {
	r, err := domain.ParseRole(role)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.HasRole(principal, r), nil
}
