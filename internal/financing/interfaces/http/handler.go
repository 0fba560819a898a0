// Package http 提供发票融资服务的 HTTP 接口实现。
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/middleware"
)

// maxDocumentSize 上传单据大小上限
const maxDocumentSize = 10 << 20

// FinancingHandler HTTP 处理器
type FinancingHandler struct {
	svc *application.FinancingService
}

// NewFinancingHandler 创建 HTTP 处理器
func NewFinancingHandler(svc *application.FinancingService) *FinancingHandler {
	return &FinancingHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *FinancingHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/invoices", h.SubmitInvoice)
		api.GET("/invoices", h.ListInvoices)
		api.GET("/invoices/:id", h.GetInvoice)
		api.POST("/invoices/:id/assess", h.AssessInvoice)
		api.POST("/invoices/:id/verify", h.VerifyInvoice)
		api.POST("/invoices/:id/tokenize", h.TokenizeInvoice)
		api.POST("/invoices/:id/fund", h.RequestFunding)
		api.POST("/invoices/:id/repay", h.ReportRepayment)
		api.POST("/invoices/:id/default", h.MarkDefault)

		api.GET("/vaults", h.ListVaults)
		api.GET("/vaults/:tier", h.GetVault)
		api.POST("/vaults/:tier/deposit", h.Deposit)
		api.POST("/vaults/:tier/withdraw", h.Withdraw)
		api.GET("/vaults/:tier/positions/:depositor", h.GetPosition)
		api.GET("/positions/:depositor", h.ListPositions)

		api.GET("/balances/:account", h.GetBalance)

		api.GET("/roles/:principal", h.ListRoles)
		api.POST("/roles/grant", h.GrantRole)
		api.POST("/roles/revoke", h.RevokeRole)

		api.POST("/rail/topup", h.TopUp)
		api.POST("/rail/payout", h.Payout)
	}
}

// StatusFor 错误码到 HTTP 状态码
func StatusFor(err error) int {
	switch domain.Code(err) {
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidTransition, domain.CodeAlreadyAssessed, domain.CodeAlreadyFunded:
		return http.StatusConflict
	case domain.CodeInsufficientLiquidity, domain.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.CodeInvalidAmount, domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeVerificationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *FinancingHandler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		msg = "internal server error"
	}
	c.JSON(status, gin.H{
		"error":      msg,
		"code":       domain.Code(err),
		"request_id": c.GetString(middleware.RequestIDKey),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": domain.CodeInvalidRequest})
}

func caller(c *gin.Context) string {
	return c.GetString(middleware.PrincipalKey)
}

// Health 存活检查
func (h *FinancingHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

// SubmitInvoiceRequest 提交发票请求
type SubmitInvoiceRequest struct {
	Debtor       string    `json:"debtor" binding:"required"`
	FaceValue    int64     `json:"face_value"`
	DueDate      time.Time `json:"due_date" binding:"required"`
	DocumentHash string    `json:"document_hash"`
}

// SubmitInvoice 提交发票
func (h *FinancingHandler) SubmitInvoice(c *gin.Context) {
	var req SubmitInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := h.svc.SubmitInvoice(c.Request.Context(), application.SubmitInvoiceCommand{
		Caller:       caller(c),
		Debtor:       req.Debtor,
		FaceValue:    req.FaceValue,
		DueDate:      req.DueDate,
		DocumentHash: req.DocumentHash,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// ListInvoices 发票列表
func (h *FinancingHandler) ListInvoices(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	items, total, err := h.svc.ListInvoices(c.Request.Context(), application.ListInvoicesQuery{
		Issuer: c.Query("issuer"),
		Status: c.Query("status"),
		Tier:   c.Query("tier"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// GetInvoice 查询发票
func (h *FinancingHandler) GetInvoice(c *gin.Context) {
	inv, err := h.svc.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// AssessInvoiceRequest 评估请求
type AssessInvoiceRequest struct {
	ExternalScore *int `json:"external_score" binding:"required"`
}

// AssessInvoice 以外部评分评估
func (h *FinancingHandler) AssessInvoice(c *gin.Context) {
	var req AssessInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := h.svc.AssessInvoice(c.Request.Context(), application.AssessInvoiceCommand{
		Caller:        caller(c),
		InvoiceID:     c.Param("id"),
		ExternalScore: *req.ExternalScore,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// VerifyInvoice 上传单据（multipart 字段 file）并评估
func (h *FinancingHandler) VerifyInvoice(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	if fh.Size > maxDocumentSize {
		badRequest(c, errors.New("document too large"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxDocumentSize))
	if err != nil {
		badRequest(c, err)
		return
	}

	inv, err := h.svc.VerifyInvoice(c.Request.Context(), application.VerifyInvoiceCommand{
		Caller:    caller(c),
		InvoiceID: c.Param("id"),
		Filename:  fh.Filename,
		Document:  content,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// TokenizeInvoice 登记为可融资凭证
func (h *FinancingHandler) TokenizeInvoice(c *gin.Context) {
	inv, err := h.svc.TokenizeInvoice(c.Request.Context(), application.InvoiceActionCommand{Caller: caller(c), InvoiceID: c.Param("id")})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// RequestFunding 申请放款
func (h *FinancingHandler) RequestFunding(c *gin.Context) {
	inv, err := h.svc.RequestFunding(c.Request.Context(), application.InvoiceActionCommand{Caller: caller(c), InvoiceID: c.Param("id")})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// AmountRequest 金额请求
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// ReportRepayment 回款
func (h *FinancingHandler) ReportRepayment(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := h.svc.ReportRepayment(c.Request.Context(), application.ReportRepaymentCommand{
		Caller:    caller(c),
		InvoiceID: c.Param("id"),
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// MarkDefaultRequest 违约核销请求
type MarkDefaultRequest struct {
	RecoveredAmount int64  `json:"recovered_amount"`
	RecoveryPayer   string `json:"recovery_payer"`
}

// MarkDefault 违约核销
func (h *FinancingHandler) MarkDefault(c *gin.Context) {
	var req MarkDefaultRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	inv, err := h.svc.MarkDefault(c.Request.Context(), application.MarkDefaultCommand{
		Caller:          caller(c),
		InvoiceID:       c.Param("id"),
		RecoveredAmount: req.RecoveredAmount,
		RecoveryPayer:   req.RecoveryPayer,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ListVaults 资金池列表
func (h *FinancingHandler) ListVaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.svc.ListVaults(c.Request.Context())})
}

// GetVault 资金池详情
func (h *FinancingHandler) GetVault(c *gin.Context) {
	v, err := h.svc.GetVault(c.Request.Context(), c.Param("tier"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Deposit 存入
func (h *FinancingHandler) Deposit(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.Deposit(c.Request.Context(), application.DepositCommand{
		Caller: caller(c),
		Tier:   c.Param("tier"),
		Amount: req.Amount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// WithdrawRequest 赎回请求
type WithdrawRequest struct {
	Shares int64 `json:"shares"`
}

// Withdraw 赎回
func (h *FinancingHandler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.Withdraw(c.Request.Context(), application.WithdrawCommand{
		Caller: caller(c),
		Tier:   c.Param("tier"),
		Shares: req.Shares,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPosition 持仓
func (h *FinancingHandler) GetPosition(c *gin.Context) {
	pos, err := h.svc.GetPosition(c.Request.Context(), c.Param("tier"), c.Param("depositor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// ListPositions 存款人全部持仓
func (h *FinancingHandler) ListPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.svc.ListPositions(c.Request.Context(), c.Param("depositor"))})
}

// GetBalance 账户余额
func (h *FinancingHandler) GetBalance(c *gin.Context) {
	acc, err := h.svc.GetBalance(c.Request.Context(), c.Param("account"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// ListRoles 角色列表
func (h *FinancingHandler) ListRoles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.svc.ListRoles(c.Request.Context(), c.Param("principal"))})
}

// RoleRequest 角色请求
type RoleRequest struct {
	Principal string `json:"principal" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

// GrantRole 授予角色
func (h *FinancingHandler) GrantRole(c *gin.Context) {
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.GrantRole(c.Request.Context(), application.RoleCommand{Caller: caller(c), Principal: req.Principal, Role: req.Role}); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}

// RevokeRole 撤销角色
func (h *FinancingHandler) RevokeRole(c *gin.Context) {
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.RevokeRole(c.Request.Context(), application.RoleCommand{Caller: caller(c), Principal: req.Principal, Role: req.Role}); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// RailTransferRequest 入金/出金请求
type RailTransferRequest struct {
	Principal string `json:"principal" binding:"required"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// TopUp 入金
func (h *FinancingHandler) TopUp(c *gin.Context) {
	h.railTransfer(c, h.svc.TopUp)
}

// Payout 出金
func (h *FinancingHandler) Payout(c *gin.Context) {
	h.railTransfer(c, h.svc.Payout)
}

func (h *FinancingHandler) railTransfer(c *gin.Context, fn func(ctx context.Context, cmd application.RailTransferCommand) (*application.AccountDTO, error)) {
	var req RailTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := fn(c.Request.Context(), application.RailTransferCommand{
		Caller:    caller(c),
		Principal: req.Principal,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}
