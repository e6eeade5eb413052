// Package pool implements the reserve: a shared solvency fund that
// underwrites interest-rate risk for whitelisted controllers. Depositors hold
// pool shares whose value moves only on realized profit or loss from
// controller settlements; idle funds sit in the lending vault earning yield.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/num"
	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault"
)

var (
	// ErrInvalidPayment is returned when a deposit carries no funds.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrInsufficientFunds is returned when a withdrawal asks for more
	// than the undeployed funds can cover.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnauthorized is returned when the caller is not whitelisted for
	// the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrControllerLimitExceeded is returned when a reserve request would
	// push a controller past its credit limit.
	ErrControllerLimitExceeded = errors.New("controller limit exceeded")

	// ErrInsufficientReserves is returned when a reserve request exceeds
	// the undeployed funds.
	ErrInsufficientReserves = errors.New("insufficient reserves")
)

// Config holds pool configuration.
type Config struct {
	Logger *slog.Logger
	Store  store.ReserveStore
	Vault  vault.Vault
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Vault == nil {
		return fmt.Errorf("vault is required")
	}
	return nil
}

// Pool is the reserve service.
type Pool struct {
	log   *slog.Logger
	store store.ReserveStore
	vault vault.Vault
}

// New creates a pool from the given configuration.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Pool{
		log:   cfg.Logger,
		store: cfg.Store,
		vault: cfg.Vault,
	}, nil
}

// Status is a snapshot of the pool's book.
type Status struct {
	Owner string `json:"owner"`
	// TotalShares is the pool shares outstanding.
	TotalShares uint64 `json:"total_shares"`
	// Available is the undeployed vault receipt tokens.
	Available uint64 `json:"available"`
	// AvailableQuote is Available converted at the vault's current
	// redemption ratio.
	AvailableQuote uint64 `json:"available_quote"`
	// Deployed is the quote amount lent to controllers.
	Deployed uint64 `json:"deployed"`
	// Ratio converts shares to receipt tokens.
	Ratio decimal.Decimal `json:"ratio"`
}

// Status returns the pool's current book.
func (p *Pool) Status(ctx context.Context) (Status, error) {
	var state store.ReserveState
	err := p.store.View(ctx, func(tx store.ReserveTx) error {
		var err error
		state, err = tx.State(ctx)
		return err
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to read reserve state: %w", err)
	}

	vaultStatus, err := p.vault.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read vault status: %w", err)
	}

	return Status{
		Owner:          state.Owner,
		TotalShares:    state.TotalShares,
		Available:      state.Available,
		AvailableQuote: num.MulFloor(state.Available, vaultStatus.DepositRedemptionRatio),
		Deployed:       state.Deployed,
		Ratio:          state.Ratio,
	}, nil
}

// Whitelist returns the controller credit lines.
func (p *Pool) Whitelist(ctx context.Context) (map[string]store.Credit, error) {
	var credits map[string]store.Credit
	err := p.store.View(ctx, func(tx store.ReserveTx) error {
		var err error
		credits, err = tx.ListCredits(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	return credits, nil
}

// Fund deposits amount into the pool and mints shares at the current ratio.
func (p *Pool) Fund(ctx context.Context, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidPayment
	}

	var shares uint64
	err := p.store.Update(ctx, func(tx store.ReserveTx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}

		receipt, err := p.vault.Deposit(ctx, amount)
		if err != nil {
			return fmt.Errorf("failed to deposit into vault: %w", err)
		}

		shares = num.DivFloor(receipt, state.Ratio)
		state.Available += receipt
		state.TotalShares += shares
		return tx.SetState(ctx, state)
	})
	if err != nil {
		return 0, err
	}

	p.log.Info("funded reserve", "amount", amount, "shares", shares)
	return shares, nil
}

// Withdraw burns shares and pays out their value from undeployed funds.
// Deployed funds cannot be withdrawn until controllers return them.
func (p *Pool) Withdraw(ctx context.Context, shares uint64) (uint64, error) {
	var amount uint64
	err := p.store.Update(ctx, func(tx store.ReserveTx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}

		if shares > state.TotalShares {
			return ErrInsufficientFunds
		}
		cost := num.MulCeil(shares, state.Ratio)
		if cost > state.Available {
			return ErrInsufficientFunds
		}

		amount, err = p.vault.Withdraw(ctx, cost)
		if err != nil {
			return fmt.Errorf("failed to withdraw from vault: %w", err)
		}

		state.Available -= cost
		state.TotalShares -= shares
		return tx.SetState(ctx, state)
	})
	if err != nil {
		return 0, err
	}

	p.log.Info("withdrew from reserve", "shares", shares, "amount", amount)
	return amount, nil
}

// RequestReserves lends amount of quote to a whitelisted controller, within
// its credit limit and the pool's undeployed funds.
func (p *Pool) RequestReserves(ctx context.Context, controller string, amount uint64) (uint64, error) {
	var granted uint64
	err := p.store.Update(ctx, func(tx store.ReserveTx) error {
		credit, ok, err := tx.Credit(ctx, controller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}
		if credit.Limit != nil && credit.Lent+amount > *credit.Limit {
			return ErrControllerLimitExceeded
		}

		state, err := tx.State(ctx)
		if err != nil {
			return err
		}

		vaultStatus, err := p.vault.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read vault status: %w", err)
		}

		cost := num.DivCeil(amount, vaultStatus.DepositRedemptionRatio)
		if cost > state.Available {
			return ErrInsufficientReserves
		}

		granted, err = p.vault.Withdraw(ctx, cost)
		if err != nil {
			return fmt.Errorf("failed to withdraw from vault: %w", err)
		}

		state.Available -= cost
		state.Deployed += amount
		credit.Lent += amount

		if err := tx.SetState(ctx, state); err != nil {
			return err
		}
		return tx.SetCredit(ctx, controller, credit)
	})
	if err != nil {
		return 0, err
	}

	p.log.Info("deployed reserves", "controller", controller, "amount", amount, "granted", granted)
	return granted, nil
}

// ReturnReserves settles a deployment: original is the amount lent out and
// received is what came back. The difference is realized profit or loss and
// moves the share ratio.
func (p *Pool) ReturnReserves(ctx context.Context, controller string, original, received uint64) error {
	err := p.store.Update(ctx, func(tx store.ReserveTx) error {
		credit, ok, err := tx.Credit(ctx, controller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnauthorized
		}

		state, err := tx.State(ctx)
		if err != nil {
			return err
		}

		vaultStatus, err := p.vault.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read vault status: %w", err)
		}

		var receipt uint64
		if received > 0 {
			receipt, err = p.vault.Deposit(ctx, received)
			if err != nil {
				return fmt.Errorf("failed to deposit into vault: %w", err)
			}
		}

		state.Available += receipt
		state.Deployed = num.SubSat(state.Deployed, original)
		credit.Lent = num.SubSat(credit.Lent, original)

		// Realized P/L, in receipt units, spread across the pool's
		// deposit value so the ratio compounds multiplicatively.
		originalReceipt := num.DivCeil(original, vaultStatus.DepositRedemptionRatio)
		deposits := num.MulFloor(state.TotalShares, state.Ratio)
		if deposits > 0 {
			switch {
			case receipt > originalReceipt:
				state.Ratio = state.Ratio.Add(num.Ratio(receipt-originalReceipt, deposits))
			case receipt < originalReceipt:
				state.Ratio = state.Ratio.Sub(num.Ratio(originalReceipt-receipt, deposits))
			}
		}

		if err := tx.SetState(ctx, state); err != nil {
			return err
		}
		return tx.SetCredit(ctx, controller, credit)
	})
	if err != nil {
		return err
	}

	p.log.Info("returned reserves", "controller", controller, "original", original, "received", received)
	return nil
}

// AddController whitelists a controller with an optional credit limit, or
// updates the limit of an existing one. Owner only.
func (p *Pool) AddController(ctx context.Context, caller, controller string, limit *uint64) error {
	return p.store.Update(ctx, func(tx store.ReserveTx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if caller != state.Owner {
			return ErrUnauthorized
		}

		credit, _, err := tx.Credit(ctx, controller)
		if err != nil {
			return err
		}
		credit.Limit = limit
		return tx.SetCredit(ctx, controller, credit)
	})
}

// RemoveController removes a controller from the whitelist. Owner only, and
// refused while the controller still holds deployed funds.
func (p *Pool) RemoveController(ctx context.Context, caller, controller string) error {
	return p.store.Update(ctx, func(tx store.ReserveTx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if caller != state.Owner {
			return ErrUnauthorized
		}

		credit, ok, err := tx.Credit(ctx, controller)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		if credit.Lent > 0 {
			return fmt.Errorf("controller %s still holds %d deployed", controller, credit.Lent)
		}
		return tx.DeleteCredit(ctx, controller)
	})
}

// UpdateOwner transfers pool ownership. Owner only.
func (p *Pool) UpdateOwner(ctx context.Context, caller, newOwner string) error {
	return p.store.Update(ctx, func(tx store.ReserveTx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if caller != state.Owner {
			return ErrUnauthorized
		}
		state.Owner = newOwner
		return tx.SetState(ctx, state)
	})
}
