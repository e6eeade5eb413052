package vault_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/unbond/core/pkg/vault"
	unbondtesting "github.com/meridianlabs/unbond/utils/pkg/testing"
)

func TestUnbond_VaultClient_Status(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"deposited": 100000,
			"borrowed": 9501,
			"interest_rate": "1",
			"max_interest_rate": "3",
			"debt_share_ratio": "1.0383561643835616",
			"deposit_redemption_ratio": "1"
		}`))
	}))
	defer srv.Close()

	client := vault.NewClient(srv.URL, unbondtesting.NewLogger())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100000), status.Deposited)
	require.Equal(t, uint64(9501), status.Borrowed)
	require.True(t, status.InterestRate.Equal(decimal.NewFromInt(1)))
	require.True(t, status.MaxInterestRate.Equal(decimal.NewFromInt(3)))
	require.True(t, status.DebtShareRatio.GreaterThan(decimal.NewFromInt(1)))
}

func TestUnbond_VaultClient_Borrow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/borrow", r.URL.Path)

		var req struct {
			Amount uint64 `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, uint64(9501), req.Amount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount": 9501}`))
	}))
	defer srv.Close()

	client := vault.NewClient(srv.URL, unbondtesting.NewLogger())
	shares, err := client.Borrow(context.Background(), 9501)
	require.NoError(t, err)
	require.Equal(t, uint64(9501), shares)
}

func TestUnbond_VaultClient_RetriesTransientStatusFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"deposited": 100000,
			"borrowed": 0,
			"interest_rate": "1",
			"max_interest_rate": "3",
			"debt_share_ratio": "1",
			"deposit_redemption_ratio": "1"
		}`))
	}))
	defer srv.Close()

	client := vault.NewClient(srv.URL, unbondtesting.NewLogger())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100000), status.Deposited)
	require.Equal(t, int64(2), calls.Load())
}

func TestUnbond_VaultClient_MutationsNotRetried(t *testing.T) {
	t.Parallel()

	// A withdraw may have been applied even when the response was lost, so
	// a transient failure must not trigger a second attempt.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "temporarily down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := vault.NewClient(srv.URL, unbondtesting.NewLogger())
	_, err := client.Withdraw(context.Background(), 42)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestUnbond_VaultClient_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad amount", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := vault.NewClient(srv.URL, unbondtesting.NewLogger())
	_, err := client.Deposit(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}
