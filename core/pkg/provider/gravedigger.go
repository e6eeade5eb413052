package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// gravediggerAdapter speaks the Gravedigger dialect. Unbondings are opened as
// graves and exhumed once matured.
type gravediggerAdapter struct {
	client *client
}

func (a *gravediggerAdapter) RedemptionRate(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		RedemptionRate decimal.Decimal `json:"redemption_rate"`
	}
	if err := a.client.get(ctx, "/v1/status", &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query status: %w", err)
	}
	return resp.RedemptionRate, nil
}

func (a *gravediggerAdapter) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	req := struct {
		ID     string `json:"id"`
		Amount uint64 `json:"amount"`
	}{ID: id.String(), Amount: amount}
	if err := a.client.post(ctx, "/v1/graves", req, nil); err != nil {
		return fmt.Errorf("failed to open grave: %w", err)
	}
	return nil
}

func (a *gravediggerAdapter) UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: id.String()}
	var resp struct {
		Returned uint64 `json:"returned"`
	}
	if err := a.client.post(ctx, "/v1/graves/exhume", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to exhume grave: %w", err)
	}
	return resp.Returned, nil
}
