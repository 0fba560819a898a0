package domain

import "errors"

var (
	ErrUnauthorized            = errors.New("caller lacks required role")
	ErrInvalidTransition       = errors.New("invalid invoice state transition")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrAlreadyAssessed         = errors.New("invoice already assessed")
	ErrAlreadyFunded           = errors.New("invoice already funded")
	ErrInsufficientLiquidity   = errors.New("insufficient vault liquidity")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrDivisionGuard           = errors.New("division by zero in share math")
	ErrVerificationUnavailable = errors.New("verification service unavailable")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrNotFound                = errors.New("not found")
)

// 错误码，供传输层使用
const (
	CodeOK                      = "OK"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeInvalidTransition       = "INVALID_TRANSITION"
	CodeInvalidAmount           = "INVALID_AMOUNT"
	CodeAlreadyAssessed         = "ALREADY_ASSESSED"
	CodeAlreadyFunded           = "ALREADY_FUNDED"
	CodeInsufficientLiquidity   = "INSUFFICIENT_LIQUIDITY"
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeDivisionGuard           = "DIVISION_GUARD"
	CodeVerificationUnavailable = "VERIFICATION_UNAVAILABLE"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeNotFound                = "NOT_FOUND"
	CodeInternal                = "INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrAlreadyAssessed, CodeAlreadyAssessed},
	{ErrAlreadyFunded, CodeAlreadyFunded},
	{ErrInsufficientLiquidity, CodeInsufficientLiquidity},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrDivisionGuard, CodeDivisionGuard},
	{ErrVerificationUnavailable, CodeVerificationUnavailable},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrNotFound, CodeNotFound},
}

// Code 返回错误对应的稳定错误码
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
