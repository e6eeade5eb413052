package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// erisAdapter speaks the Eris liquid staking hub dialect. The hub exposes its
// exchange rate on the state endpoint and batches unbondings into a queue.
type erisAdapter struct {
	client *client
}

func (a *erisAdapter) RedemptionRate(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		ExchangeRate decimal.Decimal `json:"exchange_rate"`
	}
	if err := a.client.get(ctx, "/v1/state", &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query hub state: %w", err)
	}
	return resp.ExchangeRate, nil
}

func (a *erisAdapter) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	req := struct {
		ID     string `json:"id"`
		Amount uint64 `json:"amount"`
	}{ID: id.String(), Amount: amount}
	if err := a.client.post(ctx, "/v1/queue_unbond", req, nil); err != nil {
		return fmt.Errorf("failed to queue unbond: %w", err)
	}
	return nil
}

func (a *erisAdapter) UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: id.String()}
	var resp struct {
		Amount uint64 `json:"amount"`
	}
	if err := a.client.post(ctx, "/v1/withdraw_unbonded", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to withdraw unbonded: %w", err)
	}
	return resp.Amount, nil
}
