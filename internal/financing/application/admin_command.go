package application

import (
	"context"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// GrantRole 授予角色，仅 Admin
func (s *FinancingService) GrantRole(ctx context.Context, cmd RoleCommand) error {
	role, err := domain.ParseRole(cmd.Role)
	if err != nil {
		return err
	}
	err = s.execute(ctx, "grant_role", func(tx *domain.Tx) error {
		return tx.GrantRole(cmd.Caller, cmd.Principal, role)
	})
	if err != nil {
		s.logFailure(ctx, "grant_role", err, "principal", cmd.Principal, "role", cmd.Role)
		return err
	}
	logger.Info(ctx, "role granted", "principal", cmd.Principal, "role", role, "by", cmd.Caller)
	return nil
}

// RevokeRole 撤销角色，仅 Admin
func (s *FinancingService) RevokeRole(ctx context.Context, cmd RoleCommand) error {
	role, err := domain.ParseRole(cmd.Role)
	if err != nil {
		return err
	}
	err = s.execute(ctx, "revoke_role", func(tx *domain.Tx) error {
		return tx.RevokeRole(cmd.Caller, cmd.Principal, role)
	})
	if err != nil {
		s.logFailure(ctx, "revoke_role", err, "principal", cmd.Principal, "role", cmd.Role)
		return err
	}
	logger.Info(ctx, "role revoked", "principal", cmd.Principal, "role", role, "by", cmd.Caller)
	return nil
}

// TopUp 稳定币入金，增加总供应
func (s *FinancingService) TopUp(ctx context.Context, cmd RailTransferCommand) (*AccountDTO, error) {
	return s.railTransfer(ctx, "top_up", cmd, (*domain.Tx).TopUp)
}

// Payout 稳定币出金，减少总供应
func (s *FinancingService) Payout(ctx context.Context, cmd RailTransferCommand) (*AccountDTO, error) {
	return s.railTransfer(ctx, "payout", cmd, (*domain.Tx).Payout)
}

func (s *FinancingService) railTransfer(
	ctx context.Context,
	op string,
	cmd RailTransferCommand,
	fn func(tx *domain.Tx, caller, principal string, amount int64, reference string) (*domain.Account, error),
) (*AccountDTO, error) {
	var acc *domain.Account
	err := s.execute(ctx, op, func(tx *domain.Tx) error {
		var err error
		acc, err = fn(tx, cmd.Caller, cmd.Principal, cmd.Amount, cmd.Reference)
		return err
	})
	if err != nil {
		s.logFailure(ctx, op, err, "principal", cmd.Principal, "reference", cmd.Reference)
		return nil, err
	}
	logger.Info(ctx, "rail transfer", "operation", op, "principal", cmd.Principal, "amount", cmd.Amount, "balance", acc.Balance)
	return &AccountDTO{Account: acc.ID, Balance: acc.Balance}, nil
}
