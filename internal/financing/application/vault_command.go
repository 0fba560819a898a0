package application

import (
	"context"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// Deposit 存入资金池
func (s *FinancingService) Deposit(ctx context.Context, cmd DepositCommand) (*DepositResultDTO, error) {
	tier, err := domain.ParseTier(cmd.Tier)
	if err != nil {
		return nil, err
	}

	var res *domain.DepositResult
	err = s.execute(ctx, "deposit", func(tx *domain.Tx) error {
		var err error
		res, err = tx.Deposit(cmd.Caller, tier, cmd.Amount)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "deposit", err, "depositor", cmd.Caller, "tier", cmd.Tier)
		return nil, err
	}
	logger.Info(ctx, "vault deposit", "depositor", cmd.Caller, "tier", tier, "amount", cmd.Amount, "shares", res.Shares)
	return &DepositResultDTO{
		SharesIssued: res.Shares,
		Position:     toPositionDTO(res.Position, res.Vault),
		Vault:        toVaultDTO(res.Vault),
	}, nil
}

// Withdraw 赎回份额，受空闲现金约束
func (s *FinancingService) Withdraw(ctx context.Context, cmd WithdrawCommand) (*WithdrawResultDTO, error) {
	tier, err := domain.ParseTier(cmd.Tier)
	if err != nil {
		return nil, err
	}

	var res *domain.WithdrawResult
	err = s.execute(ctx, "withdraw", func(tx *domain.Tx) error {
		var err error
		res, err = tx.Withdraw(cmd.Caller, tier, cmd.Shares)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "withdraw", err, "depositor", cmd.Caller, "tier", cmd.Tier)
		return nil, err
	}
	logger.Info(ctx, "vault withdrawal", "depositor", cmd.Caller, "tier", tier, "shares", cmd.Shares, "amount", res.Amount)
	return &WithdrawResultDTO{
		AmountReturned: res.Amount,
		Position:       toPositionDTO(res.Position, res.Vault),
		Vault:          toVaultDTO(res.Vault),
	}, nil
}
