// Package vault defines the interface to the external lending market that
// funds offers and holds reserve deposits. The broker borrows the quote
// amount of every offer from the vault and repays it, plus accrued interest,
// when the underlying unbonding completes.
package vault

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is a point-in-time snapshot of the vault's market state.
type Status struct {
	// Deposited is the total quote amount lent into the vault.
	Deposited uint64 `json:"deposited"`
	// Borrowed is the total quote amount currently out on loan.
	Borrowed uint64 `json:"borrowed"`
	// InterestRate is the current annualized borrow rate.
	InterestRate decimal.Decimal `json:"interest_rate"`
	// MaxInterestRate is the ceiling the borrow rate can reach under full
	// utilization.
	MaxInterestRate decimal.Decimal `json:"max_interest_rate"`
	// DebtShareRatio converts debt shares to owed quote amount. It only
	// grows as interest accrues.
	DebtShareRatio decimal.Decimal `json:"debt_share_ratio"`
	// DepositRedemptionRatio converts deposit receipts to the underlying
	// quote amount.
	DepositRedemptionRatio decimal.Decimal `json:"deposit_redemption_ratio"`
}

// Vault is the lending market the broker and reserve transact against.
type Vault interface {
	// Status returns the current market snapshot.
	Status(ctx context.Context) (Status, error)

	// Deposit lends amount into the vault and returns the receipt tokens
	// minted for it.
	Deposit(ctx context.Context, amount uint64) (uint64, error)

	// Withdraw burns receipt tokens and returns the quote amount redeemed.
	Withdraw(ctx context.Context, receipt uint64) (uint64, error)

	// Borrow takes amount out on loan and returns the debt shares minted
	// against it.
	Borrow(ctx context.Context, amount uint64) (uint64, error)

	// Repay settles amount against the given debt shares, burning them.
	Repay(ctx context.Context, amount uint64, debtShares uint64) error
}
