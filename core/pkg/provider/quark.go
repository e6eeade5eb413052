package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// quarkAdapter speaks the Quark restaking dialect.
type quarkAdapter struct {
	client *client
}

func (a *quarkAdapter) RedemptionRate(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := a.client.get(ctx, "/v1/rates", &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query rates: %w", err)
	}
	return resp.Rate, nil
}

func (a *quarkAdapter) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	req := struct {
		ID     string `json:"id"`
		Amount uint64 `json:"amount"`
	}{ID: id.String(), Amount: amount}
	if err := a.client.post(ctx, "/v1/unstake", req, nil); err != nil {
		return fmt.Errorf("failed to unstake: %w", err)
	}
	return nil
}

func (a *quarkAdapter) UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: id.String()}
	var resp struct {
		Amount uint64 `json:"amount"`
	}
	if err := a.client.post(ctx, "/v1/claim", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to claim: %w", err)
	}
	return resp.Amount, nil
}
