package application

import (
	"time"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
)

// InvoiceDTO 发票快照
type InvoiceDTO struct {
	ID            string     `json:"id"`
	Issuer        string     `json:"issuer"`
	Debtor        string     `json:"debtor"`
	FaceValue     int64      `json:"face_value"`
	DueDate       time.Time  `json:"due_date"`
	Status        string     `json:"status"`
	Assessed      bool       `json:"assessed"`
	ExternalScore int        `json:"external_score,omitempty"`
	RiskScore     int        `json:"risk_score,omitempty"`
	Tier          string     `json:"tier,omitempty"`
	AdvanceRate   string     `json:"advance_rate,omitempty"`
	DocumentHash  string     `json:"document_hash,omitempty"`
	FundedAmount  int64      `json:"funded_amount"`
	Obligation    int64      `json:"obligation,omitempty"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`
	AmountRepaid  int64      `json:"amount_repaid"`
	LossAmount    int64      `json:"loss_amount"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

// VaultDTO 资金池快照
type VaultDTO struct {
	Tier              string    `json:"tier"`
	TotalAssets       int64     `json:"total_assets"`
	TotalShares       int64     `json:"total_shares"`
	OutstandingFunded int64     `json:"outstanding_funded"`
	IdleLiquidity     int64     `json:"idle_liquidity"`
	FundingCapacity   int64     `json:"funding_capacity"`
	ReserveRatio      string    `json:"reserve_ratio"`
	TargetYield       string    `json:"target_yield"`
	SharePrice        string    `json:"share_price"`
	RealizedYield     int64     `json:"realized_yield"`
	RealizedLoss      int64     `json:"realized_loss"`
	FeesCollected     int64     `json:"fees_collected"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PositionDTO 存款人持仓
type PositionDTO struct {
	Tier      string `json:"tier"`
	Depositor string `json:"depositor"`
	Shares    int64  `json:"shares"`
	// Value 按当前净值折算的资金（向下取整）
	Value int64 `json:"value"`
}

// AccountDTO 结算账户余额
type AccountDTO struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// RoleDTO 角色分配
type RoleDTO struct {
	Principal string    `json:"principal"`
	Role      string    `json:"role"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// DepositResultDTO 存入结果
type DepositResultDTO struct {
	SharesIssued int64        `json:"shares_issued"`
	Position     *PositionDTO `json:"position"`
	Vault        *VaultDTO    `json:"vault"`
}

// WithdrawResultDTO 赎回结果
type WithdrawResultDTO struct {
	AmountReturned int64        `json:"amount_returned"`
	Position       *PositionDTO `json:"position"`
	Vault          *VaultDTO    `json:"vault"`
}

func toInvoiceDTO(inv *domain.Invoice) *InvoiceDTO {
	dto := &InvoiceDTO{
		ID:            inv.ID,
		Issuer:        inv.Issuer,
		Debtor:        inv.Debtor,
		FaceValue:     inv.FaceValue,
		DueDate:       inv.DueDate,
		Status:        inv.Status.String(),
		Assessed:      inv.Assessed,
		ExternalScore: inv.ExternalScore,
		RiskScore:     inv.RiskScore,
		Tier:          string(inv.Tier),
		DocumentHash:  inv.DocumentHash,
		FundedAmount:  inv.FundedAmount,
		Obligation:    inv.Obligation,
		FundedAt:      inv.FundedAt,
		AmountRepaid:  inv.AmountRepaid,
		LossAmount:    inv.LossAmount,
		SettledAt:     inv.SettledAt,
		CreatedAt:     inv.CreatedAt,
		UpdatedAt:     inv.UpdatedAt,
		Version:       inv.Version,
	}
	if inv.Assessed {
		dto.AdvanceRate = inv.AdvanceRate.String()
	}
	return dto
}

func toVaultDTO(v *domain.Vault) *VaultDTO {
	return &VaultDTO{
		Tier:              string(v.Tier),
		TotalAssets:       v.TotalAssets,
		TotalShares:       v.TotalShares,
		OutstandingFunded: v.OutstandingFunded,
		IdleLiquidity:     v.Idle(),
		FundingCapacity:   v.FundingCapacity(),
		ReserveRatio:      v.ReserveRatio.String(),
		TargetYield:       v.TargetYield.String(),
		SharePrice:        v.SharePrice().StringFixed(6),
		RealizedYield:     v.RealizedYield,
		RealizedLoss:      v.RealizedLoss,
		FeesCollected:     v.FeesCollected,
		UpdatedAt:         v.UpdatedAt,
	}
}

func toPositionDTO(p domain.Position, v *domain.Vault) *PositionDTO {
	dto := &PositionDTO{Tier: string(p.Tier), Depositor: p.Depositor, Shares: p.Shares}
	if v != nil && p.Shares > 0 {
		if value, err := v.PreviewWithdraw(p.Shares); err == nil {
			dto.Value = value
		}
	}
	return dto
}

func toRoleDTO(r domain.RoleAssignment) *RoleDTO {
	return &RoleDTO{Principal: r.Principal, Role: string(r.Role), GrantedBy: r.GrantedBy, GrantedAt: r.GrantedAt}
}
