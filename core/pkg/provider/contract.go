package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// contractAdapter speaks the generic adapter dialect for providers that
// implement the reference unbonding interface directly.
type contractAdapter struct {
	client *client
}

func (a *contractAdapter) RedemptionRate(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		RedemptionRate decimal.Decimal `json:"redemption_rate"`
	}
	if err := a.client.get(ctx, "/v1/redemption_rate", &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query redemption rate: %w", err)
	}
	return resp.RedemptionRate, nil
}

func (a *contractAdapter) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	req := struct {
		ID     string `json:"id"`
		Amount uint64 `json:"amount"`
	}{ID: id.String(), Amount: amount}
	if err := a.client.post(ctx, "/v1/unbond_start", req, nil); err != nil {
		return fmt.Errorf("failed to start unbond: %w", err)
	}
	return nil
}

func (a *contractAdapter) UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: id.String()}
	var resp struct {
		Returned uint64 `json:"returned"`
	}
	if err := a.client.post(ctx, "/v1/unbond_end", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to end unbond: %w", err)
	}
	return resp.Returned, nil
}
