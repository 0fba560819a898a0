package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
)

const okResponse = `{
  "success": true,
  "data": {"invoice_number": "2026-001", "date": "01/05/2026", "due_date": "02/04/2026", "total_amount": "12,500.50"},
  "validation": {"is_valid": true, "errors": ["missing buyer tax id"], "warnings": []},
  "risk_score": {"risk_score": 20, "risk_level": "LOW", "risk_factors": []}
}`

func newVerifier(url string, retries int) *AIVerifier {
	return NewAIVerifier(AIVerifierConfig{
		BaseURL:            url,
		Timeout:            2 * time.Second,
		MaxRetries:         retries,
		BreakerFailures:    3,
		BreakerTimeout:     time.Minute,
		SettlementDecimals: 6,
	}, nil)
}

func TestVerifyParsesEngineResponse(t *testing.T) {
	var uploaded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process-invoice", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		uploaded = hdr.Filename + ":" + string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okResponse)
	}))
	defer srv.Close()

	res, err := newVerifier(srv.URL, 0).Verify(context.Background(), domain.Document{Filename: "inv.pdf", Content: []byte("pdf-bytes")})
	require.NoError(t, err)
	assert.Equal(t, "inv.pdf:pdf-bytes", uploaded)
	assert.Equal(t, 70, res.ExternalScore)
	assert.Equal(t, "2026-001", res.InvoiceNumber)
	assert.Equal(t, int64(12_500_500_000), res.ExtractedFaceValue)
	require.NotNil(t, res.ExtractedDueDate)
	assert.Equal(t, time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC), *res.ExtractedDueDate)
	assert.Equal(t, []string{"missing buyer tax id"}, res.Errors)
}

func TestVerifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okResponse)
	}))
	defer srv.Close()

	res, err := newVerifier(srv.URL, 2).Verify(context.Background(), domain.Document{Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 70, res.ExternalScore)
}

func TestVerifyUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newVerifier(srv.URL, 0).Verify(context.Background(), domain.Document{Content: []byte("x")})
	assert.ErrorIs(t, err, domain.ErrVerificationUnavailable)
}

func TestVerifyClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newVerifier(srv.URL, 3).Verify(context.Background(), domain.Document{Content: []byte("x")})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := newVerifier(srv.URL, 0)
	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), domain.Document{Content: []byte("x")})
		require.ErrorIs(t, err, domain.ErrVerificationUnavailable)
	}
	_, err := v.Verify(context.Background(), domain.Document{Content: []byte("x")})
	assert.ErrorIs(t, err, domain.ErrVerificationUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCancelledVerificationDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okResponse)
	}))
	defer srv.Close()

	v := NewAIVerifier(AIVerifierConfig{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		BreakerFailures: 1,
		BreakerTimeout:  time.Minute,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := v.Verify(ctx, domain.Document{Content: []byte("x")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrVerificationUnavailable)
	assert.Equal(t, int32(1), calls.Load())

	res, err := v.Verify(context.Background(), domain.Document{Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 70, res.ExternalScore)
}

func TestHealth(t *testing.T) {
	status := "healthy"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()

	v := newVerifier(srv.URL, 0)
	require.NoError(t, v.Health(context.Background()))
	status = "degraded"
	assert.ErrorIs(t, v.Health(context.Background()), domain.ErrVerificationUnavailable)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 100, Confidence(0, 0))
	assert.Equal(t, 50, Confidence(30, 2))
	assert.Equal(t, 0, Confidence(90, 3))
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1,234.56", 1_234_560_000, true},
		{"$ 10", 10_000_000, true},
		{"0.0000019", 1, true},
		{"abc", 0, false},
		{"-5", 0, false},
	}
	for _, c := range cases {
		got, err := ParseAmount(c.in, 6)
		if !c.ok {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"03/09/2026", "03-09-2026", "2026-03-09"} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseDate("9 March 2026")
	assert.Error(t, err)
}
