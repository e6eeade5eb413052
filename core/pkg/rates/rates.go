// Package rates assembles the rate snapshot an offer is priced against. A
// snapshot is read once at quote time and carried through to settlement so
// both legs of a trade see the same market state.
package rates

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/vault"
)

// Snapshot is the set of rates a single offer is priced against.
type Snapshot struct {
	// Interest is the vault's current annualized borrow rate.
	Interest decimal.Decimal `json:"interest"`
	// MaxInterest is the worst-case borrow rate over the unbonding window.
	MaxInterest decimal.Decimal `json:"max_interest"`
	// DebtShare converts vault debt shares to owed quote amount.
	DebtShare decimal.Decimal `json:"debt_share"`
	// DepositRedemption converts vault deposit receipts to quote amount.
	DepositRedemption decimal.Decimal `json:"deposit_redemption"`
	// ProviderRedemption converts the staked base token to its quote value
	// at unbonding completion.
	ProviderRedemption decimal.Decimal `json:"provider_redemption"`
}

// RedemptionSource yields the staking provider's current redemption rate.
type RedemptionSource interface {
	RedemptionRate(ctx context.Context) (decimal.Decimal, error)
}

// Load reads a consistent snapshot from the vault and the staking provider.
func Load(ctx context.Context, v vault.Vault, src RedemptionSource) (Snapshot, error) {
	status, err := v.Status(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load vault status: %w", err)
	}
	redemption, err := src.RedemptionRate(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load redemption rate: %w", err)
	}
	return Snapshot{
		Interest:           status.InterestRate,
		MaxInterest:        status.MaxInterestRate,
		DebtShare:          status.DebtShareRatio,
		DepositRedemption:  status.DepositRedemptionRatio,
		ProviderRedemption: redemption,
	}, nil
}
