package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/memory"
	"github.com/wyfcoding/invoicefinance/pkg/middleware"
)

const principalHeader = "X-Principal"

type fixedVerifier struct{ score int }

func (v fixedVerifier) Verify(_ context.Context, _ domain.Document) (*domain.Verification, error) {
	return &domain.Verification{ExternalScore: v.score}, nil
}

func newRouter(t *testing.T, opts ...application.Option) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := application.NewFinancingService(context.Background(), memory.NewStateStore(), domain.DefaultParams(), opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap(context.Background(), []string{"admin"}, []application.RoleGrantCommand{
		{Principal: "minter", Role: "MINTER"},
		{Principal: "validator", Role: "VALIDATOR"},
	}))

	r := gin.New()
	r.Use(middleware.GinRecoveryMiddleware(), middleware.GinPrincipalMiddleware(principalHeader))
	NewFinancingHandler(svc).RegisterRoutes(r)
	return r
}

func call(t *testing.T, r *gin.Engine, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(principalHeader, principal)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestInvoiceFinancingOverHTTP(t *testing.T) {
	r := newRouter(t)
	due := time.Now().UTC().Add(30 * 24 * time.Hour)

	w := call(t, r, http.MethodPost, "/api/v1/rail/topup", "admin", RailTransferRequest{Principal: "lp-1", Amount: 10_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, r, http.MethodPost, "/api/v1/vaults/PRIME/deposit", "lp-1", AmountRequest{Amount: 10_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(10_000), decode[application.DepositResultDTO](t, w).SharesIssued)

	w = call(t, r, http.MethodPost, "/api/v1/invoices", "acme", SubmitInvoiceRequest{Debtor: "buyer", FaceValue: 10_000, DueDate: due})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inv := decode[application.InvoiceDTO](t, w)
	assert.Equal(t, "UPLOADED", inv.Status)

	score := 90
	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/assess", "validator", AssessInvoiceRequest{ExternalScore: &score})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "PRIME", decode[application.InvoiceDTO](t, w).Tier)

	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/tokenize", "minter", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/fund", "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(8_500), decode[application.InvoiceDTO](t, w).FundedAmount)

	w = call(t, r, http.MethodGet, "/api/v1/vaults/PRIME", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(500), decode[application.VaultDTO](t, w).FundingCapacity)

	w = call(t, r, http.MethodPost, "/api/v1/rail/topup", "admin", RailTransferRequest{Principal: "buyer", Amount: 9_180})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/repay", "buyer", AmountRequest{Amount: 9_180})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "REPAID", decode[application.InvoiceDTO](t, w).Status)

	w = call(t, r, http.MethodGet, "/api/v1/vaults/PRIME/positions/lp-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(10_680), decode[application.PositionDTO](t, w).Value)

	w = call(t, r, http.MethodPost, "/api/v1/vaults/PRIME/withdraw", "lp-1", WithdrawRequest{Shares: 10_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(10_680), decode[application.WithdrawResultDTO](t, w).AmountReturned)

	w = call(t, r, http.MethodGet, "/api/v1/balances/wallet:lp-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(10_680), decode[application.AccountDTO](t, w).Balance)

	w = call(t, r, http.MethodGet, "/api/v1/invoices?issuer=acme", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []application.InvoiceDTO `json:"items"`
		Total int                      `json:"total"`
	}](t, w)
	assert.Equal(t, 1, list.Total)
}

func TestErrorMapping(t *testing.T) {
	r := newRouter(t)
	due := time.Now().UTC().Add(30 * 24 * time.Hour)

	w := call(t, r, http.MethodPost, "/api/v1/invoices", "acme", SubmitInvoiceRequest{Debtor: "buyer", FaceValue: 1_000, DueDate: due})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[application.InvoiceDTO](t, w).ID
	score := 90

	cases := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		status int
		code   string
	}{
		{"unknown invoice", http.MethodGet, "/api/v1/invoices/nope", "", nil, http.StatusNotFound, domain.CodeNotFound},
		{"assess without role", http.MethodPost, "/api/v1/invoices/" + id + "/assess", "acme", AssessInvoiceRequest{ExternalScore: &score}, http.StatusForbidden, domain.CodeUnauthorized},
		{"recovery from another wallet", http.MethodPost, "/api/v1/invoices/" + id + "/default", "validator", MarkDefaultRequest{RecoveredAmount: 500, RecoveryPayer: "acme"}, http.StatusForbidden, domain.CodeUnauthorized},
		{"fund before tokenize", http.MethodPost, "/api/v1/invoices/" + id + "/fund", "acme", nil, http.StatusConflict, domain.CodeInvalidTransition},
		{"zero deposit", http.MethodPost, "/api/v1/vaults/PRIME/deposit", "lp-1", AmountRequest{}, http.StatusBadRequest, domain.CodeInvalidAmount},
		{"deposit without funds", http.MethodPost, "/api/v1/vaults/PRIME/deposit", "lp-1", AmountRequest{Amount: 5}, http.StatusUnprocessableEntity, domain.CodeInsufficientBalance},
		{"unknown tier", http.MethodGet, "/api/v1/vaults/GOLD", "", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"malformed body", http.MethodPost, "/api/v1/roles/grant", "admin", map[string]string{"role": "MINTER"}, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"verify without verifier", http.MethodPost, "/api/v1/invoices/" + id + "/verify", "validator", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(t, r, tc.method, tc.path, tc.caller, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode[map[string]any](t, w)["code"])
		})
	}

	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+id+"/assess", "validator", AssessInvoiceRequest{ExternalScore: &score})
	require.Equal(t, http.StatusOK, w.Code)
	w = call(t, r, http.MethodPost, "/api/v1/invoices/"+id+"/assess", "validator", AssessInvoiceRequest{ExternalScore: &score})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.CodeAlreadyAssessed, decode[map[string]any](t, w)["code"])
}

func TestVerifyUpload(t *testing.T) {
	r := newRouter(t, application.WithVerifier(fixedVerifier{score: 80}))
	due := time.Now().UTC().Add(30 * 24 * time.Hour)

	w := call(t, r, http.MethodPost, "/api/v1/invoices", "acme", SubmitInvoiceRequest{Debtor: "buyer", FaceValue: 1_000, DueDate: due})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[application.InvoiceDTO](t, w).ID

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "invoice.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7 invoice"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/"+id+"/verify", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(principalHeader, "validator")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inv := decode[application.InvoiceDTO](t, rec)
	assert.True(t, inv.Assessed)
	assert.Equal(t, 80, inv.ExternalScore)
	assert.NotEmpty(t, inv.DocumentHash)
}

func TestRolesAndHealth(t *testing.T) {
	r := newRouter(t)

	w := call(t, r, http.MethodPost, "/api/v1/roles/grant", "admin", RoleRequest{Principal: "ops", Role: "VALIDATOR"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, r, http.MethodGet, "/api/v1/roles/ops", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	roles := decode[struct {
		Items []application.RoleDTO `json:"items"`
	}](t, w)
	require.Len(t, roles.Items, 1)
	assert.Equal(t, "admin", roles.Items[0].GrantedBy)

	w = call(t, r, http.MethodPost, "/api/v1/roles/revoke", "ops", RoleRequest{Principal: "ops", Role: "VALIDATOR"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(domain.ErrVerificationUnavailable))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(domain.ErrInsufficientLiquidity))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.ErrAlreadyFunded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(context.DeadlineExceeded))
}
