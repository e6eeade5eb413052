package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/unbond/reserve/pkg/client"
	unbondtesting "github.com/meridianlabs/unbond/utils/pkg/testing"
)

func TestUnbond_ReserveClient_AvailableRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/status", r.URL.Path)
		require.Equal(t, "controller-1", r.Header.Get("X-Controller-ID"))
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"available_quote": 20000}`))
	}))
	defer srv.Close()

	c := client.New(srv.URL, "controller-1", unbondtesting.NewLogger())
	available, err := c.Available(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(20000), available)
	require.Equal(t, int64(2), calls.Load())
}

func TestUnbond_ReserveClient_RequestReservesNotRetried(t *testing.T) {
	t.Parallel()

	// The reserve may have deployed the funds even when the response was
	// lost, so a transient failure must not trigger a second attempt.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		calls.Add(1)
		http.Error(w, "temporarily down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "controller-1", unbondtesting.NewLogger())
	_, err := c.RequestReserves(context.Background(), 824)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestUnbond_ReserveClient_ReturnReservesNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "temporarily down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "controller-1", unbondtesting.NewLogger())
	err := c.ReturnReserves(context.Background(), 824, 860)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}
