package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/unbond/controller/internal/controller"
	"github.com/meridianlabs/unbond/controller/internal/server"
	"github.com/meridianlabs/unbond/core/pkg/provider/providertest"
	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault/vaulttest"
	"github.com/meridianlabs/unbond/reserve/pkg/pool"
	unbondtesting "github.com/meridianlabs/unbond/utils/pkg/testing"
)

const (
	owner        = "owner"
	controllerID = "controller-1"
	twoWeeks     = 14 * 24 * time.Hour
)

type env struct {
	clock *clockwork.FakeClock
	srv   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()

	clock := clockwork.NewFakeClock()
	log := unbondtesting.NewLogger()

	v, err := vaulttest.New(vaulttest.Config{
		Clock:           clock,
		InterestRate:    decimal.NewFromInt(1),
		MaxInterestRate: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	p, err := pool.New(pool.Config{
		Logger: log,
		Store:  store.NewMemoryReserveStore(owner),
		Vault:  v,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.AddController(ctx, owner, controllerID, nil))
	_, err = p.Fund(ctx, 20000)
	require.NoError(t, err)

	ctrl, err := controller.New(controller.Config{
		Logger: log,
		Clock:  clock,
		Store: store.NewMemoryControllerStore(store.BrokerConfig{
			Owner:    owner,
			MinRate:  decimal.RequireFromString("0.03"),
			Duration: twoWeeks,
		}),
		Vault:           v,
		Provider:        providertest.New(decimal.RequireFromString("1.07375")),
		Reserve:         pool.NewAdapter(p, controllerID),
		ProtocolFeeRate: decimal.RequireFromString("0.25"),
	})
	require.NoError(t, err)

	s, err := server.NewServer(server.Config{
		Logger:     log,
		Controller: ctrl,
		Addr:       "127.0.0.1:0",
		Version:    "test",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &env{clock: clock, srv: srv}
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestUnbond_ControllerServer_Healthz(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	resp := e.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.get(t, "/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var version struct {
		Version string `json:"version"`
	}
	decode(t, resp, &version)
	require.Equal(t, "test", version.Version)
}

func TestUnbond_ControllerServer_QuoteAndUnstakeFlow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp := e.get(t, "/v1/quote?amount=10000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var offer struct {
		OfferAmount       uint64 `json:"offer_amount"`
		Fee               uint64 `json:"fee"`
		ReserveAllocation uint64 `json:"reserve_allocation"`
	}
	decode(t, resp, &offer)
	require.Equal(t, uint64(10325), offer.OfferAmount)
	require.Equal(t, uint64(412), offer.Fee)
	require.Equal(t, uint64(824), offer.ReserveAllocation)

	resp = e.post(t, "/v1/unstake", map[string]any{"amount": 10000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var delegate struct {
		ID string `json:"id"`
	}
	decode(t, resp, &delegate)
	require.NotEmpty(t, delegate.ID)

	e.clock.Advance(twoWeeks)

	resp = e.post(t, fmt.Sprintf("/v1/delegates/%s/complete", delegate.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settlement struct {
		Repay          uint64 `json:"repay"`
		ReserveReturn  uint64 `json:"reserve_return"`
		ReserveSurplus uint64 `json:"reserve_surplus"`
		ProtocolFee    uint64 `json:"protocol_fee"`
	}
	decode(t, resp, &settlement)
	require.Equal(t, uint64(9866), settlement.Repay)
	require.Equal(t, uint64(824), settlement.ReserveReturn)
	require.Equal(t, uint64(36), settlement.ReserveSurplus)
	require.Equal(t, uint64(11), settlement.ProtocolFee)

	resp = e.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		TotalBase  uint64 `json:"total_base"`
		TotalQuote uint64 `json:"total_quote"`
		Delegates  int    `json:"delegates"`
	}
	decode(t, resp, &status)
	require.Equal(t, uint64(10000), status.TotalBase)
	require.Equal(t, uint64(9913), status.TotalQuote)
	require.Equal(t, 0, status.Delegates)
}

func TestUnbond_ControllerServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	// Unknown delegate.
	resp := e.post(t, "/v1/delegates/00000000-0000-0000-0000-000000000000/complete", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Malformed delegate id.
	resp = e.post(t, "/v1/delegates/not-a-uuid/complete", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Fee cap refused.
	resp = e.post(t, "/v1/unstake", map[string]any{"amount": 10000, "max_fee": 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Zero amount.
	resp = e.post(t, "/v1/unstake", map[string]any{"amount": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUnbond_ControllerServer_UpdateBrokerAuth(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	body, err := json.Marshal(map[string]any{"min_rate": "0.05", "duration_seconds": 1209600})
	require.NoError(t, err)

	// No caller header.
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/broker", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Owner.
	req, err = http.NewRequest(http.MethodPost, e.srv.URL+"/v1/broker", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-ID", owner)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
