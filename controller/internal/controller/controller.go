// Package controller orchestrates the unstake flow: it prices offers, funds
// them by borrowing from the vault, walks the staked tokens through the
// provider's unbonding queue, and settles everything when the unbonding
// completes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/broker"
	"github.com/meridianlabs/unbond/core/pkg/num"
	"github.com/meridianlabs/unbond/core/pkg/provider"
	"github.com/meridianlabs/unbond/core/pkg/rates"
	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault"
)

var (
	// ErrMaxFeeExceeded is returned when the quoted fee is above the
	// caller's stated maximum.
	ErrMaxFeeExceeded = errors.New("fee exceeds max fee")

	// ErrUnknownDelegate is returned when no in-flight unbonding matches
	// the given ID.
	ErrUnknownDelegate = errors.New("unknown delegate")

	// ErrUnauthorized is returned when the caller is not the owner.
	ErrUnauthorized = errors.New("unauthorized")
)

// ReserveClient is the controller's view of the reserve. Both the HTTP
// client and an in-process pool adapter satisfy it.
type ReserveClient interface {
	// Available returns the quote amount the reserve can underwrite.
	Available(ctx context.Context) (uint64, error)
	// RequestReserves deploys amount to this controller.
	RequestReserves(ctx context.Context, amount uint64) (uint64, error)
	// ReturnReserves settles a deployment.
	ReturnReserves(ctx context.Context, original, received uint64) error
}

// Config holds controller configuration.
type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Store           store.ControllerStore
	Vault           vault.Vault
	Provider        provider.Unbonder
	Reserve         ReserveClient
	ProtocolFeeRate decimal.Decimal
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Vault == nil {
		return fmt.Errorf("vault is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Reserve == nil {
		return fmt.Errorf("reserve is required")
	}
	if c.ProtocolFeeRate.IsNegative() || c.ProtocolFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("protocol fee rate must be in [0, 1)")
	}
	return nil
}

// Controller is the unstake service.
type Controller struct {
	log             *slog.Logger
	clock           clockwork.Clock
	store           store.ControllerStore
	vault           vault.Vault
	provider        provider.Unbonder
	reserve         ReserveClient
	protocolFeeRate decimal.Decimal
}

// New creates a controller from the given configuration.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Controller{
		log:             cfg.Logger,
		clock:           cfg.Clock,
		store:           cfg.Store,
		vault:           cfg.Vault,
		provider:        cfg.Provider,
		reserve:         cfg.Reserve,
		protocolFeeRate: cfg.ProtocolFeeRate,
	}, nil
}

// Status is a snapshot of the controller's book.
type Status struct {
	Owner      string          `json:"owner"`
	MinRate    decimal.Decimal `json:"min_rate"`
	Duration   time.Duration   `json:"duration"`
	TotalBase  uint64          `json:"total_base"`
	TotalQuote uint64          `json:"total_quote"`
	Delegates  int             `json:"delegates"`
}

// Status returns the controller's current book.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.store.View(ctx, func(tx store.ControllerTx) error {
		cfg, err := tx.BrokerConfig(ctx)
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx)
		if err != nil {
			return err
		}
		delegates, err := tx.ListDelegates(ctx)
		if err != nil {
			return err
		}
		status = Status{
			Owner:      cfg.Owner,
			MinRate:    cfg.MinRate,
			Duration:   cfg.Duration,
			TotalBase:  totals.Base,
			TotalQuote: totals.Quote,
			Delegates:  len(delegates),
		}
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to read controller state: %w", err)
	}
	return status, nil
}

// ListDelegates returns all in-flight unbondings.
func (c *Controller) ListDelegates(ctx context.Context) ([]store.Delegate, error) {
	var delegates []store.Delegate
	err := c.store.View(ctx, func(tx store.ControllerTx) error {
		var err error
		delegates, err = tx.ListDelegates(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list delegates: %w", err)
	}
	return delegates, nil
}

// Quote prices an offer for amount of the staked token without committing to
// it.
func (c *Controller) Quote(ctx context.Context, amount uint64) (broker.Offer, error) {
	var cfg store.BrokerConfig
	err := c.store.View(ctx, func(tx store.ControllerTx) error {
		var err error
		cfg, err = tx.BrokerConfig(ctx)
		return err
	})
	if err != nil {
		return broker.Offer{}, fmt.Errorf("failed to read broker config: %w", err)
	}

	snap, err := rates.Load(ctx, c.vault, c.provider)
	if err != nil {
		return broker.Offer{}, err
	}
	available, err := c.reserve.Available(ctx)
	if err != nil {
		return broker.Offer{}, fmt.Errorf("failed to read reserve availability: %w", err)
	}

	b := broker.Broker{MinRate: cfg.MinRate, Duration: cfg.Duration}
	return b.Quote(snap, available, amount)
}

// Unstake accepts amount of the staked token, pays out the offer amount
// immediately, and starts the unbonding. maxFee, when set, bounds the fee
// the caller will accept.
//
// The offer is funded by borrowing from the vault; the reserve allocation is
// drawn from the reserve and covers the payout portion the borrow does not.
func (c *Controller) Unstake(ctx context.Context, amount uint64, maxFee *uint64) (store.Delegate, error) {
	var delegate store.Delegate
	err := c.store.Update(ctx, func(tx store.ControllerTx) error {
		cfg, err := tx.BrokerConfig(ctx)
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx)
		if err != nil {
			return err
		}

		snap, err := rates.Load(ctx, c.vault, c.provider)
		if err != nil {
			return err
		}
		available, err := c.reserve.Available(ctx)
		if err != nil {
			return fmt.Errorf("failed to read reserve availability: %w", err)
		}

		b := broker.Broker{MinRate: cfg.MinRate, Duration: cfg.Duration}
		offer, err := b.Quote(snap, available, amount)
		if err != nil {
			return err
		}
		if maxFee != nil && offer.Fee > *maxFee {
			return ErrMaxFeeExceeded
		}

		if offer.ReserveAllocation > 0 {
			if _, err := c.reserve.RequestReserves(ctx, offer.ReserveAllocation); err != nil {
				return fmt.Errorf("failed to draw reserves: %w", err)
			}
		}

		// On long windows the reserve allocation can exceed the payout;
		// the excess is held as an interest buffer and nothing is
		// borrowed.
		borrow := num.SubSat(offer.OfferAmount, offer.ReserveAllocation)
		var debtTokens uint64
		if borrow > 0 {
			debtTokens, err = c.vault.Borrow(ctx, borrow)
			if err != nil {
				c.releaseReserves(ctx, offer.ReserveAllocation)
				return fmt.Errorf("failed to borrow from vault: %w", err)
			}
		}

		id := uuid.New()
		if err := c.provider.UnbondStart(ctx, id, amount); err != nil {
			c.repayBorrow(ctx, snap, debtTokens)
			c.releaseReserves(ctx, offer.ReserveAllocation)
			return fmt.Errorf("failed to start unbonding: %w", err)
		}

		delegate = store.Delegate{
			ID:         id,
			Offer:      offer,
			DebtTokens: debtTokens,
			StartedAt:  c.clock.Now().UTC(),
		}
		if err := tx.PutDelegate(ctx, delegate); err != nil {
			return err
		}

		totals.Base += amount
		return tx.SetTotals(ctx, totals)
	})
	if err != nil {
		return store.Delegate{}, err
	}

	c.log.Info("unstake accepted",
		"delegate", delegate.ID,
		"amount", amount,
		"offer", delegate.Offer.OfferAmount,
		"fee", delegate.Offer.Fee,
		"reserve_allocation", delegate.Offer.ReserveAllocation,
	)
	return delegate, nil
}

// releaseReserves hands a deployment straight back after an aborted unstake.
// original and received are equal, so no profit or loss is realized.
func (c *Controller) releaseReserves(ctx context.Context, allocation uint64) {
	if allocation == 0 {
		return
	}
	if err := c.reserve.ReturnReserves(ctx, allocation, allocation); err != nil {
		c.log.Error("failed to release reserves after aborted unstake",
			"allocation", allocation, "error", err)
	}
}

// repayBorrow unwinds a vault borrow after an aborted unstake, paying the
// debt the shares represent at the current ratio.
func (c *Controller) repayBorrow(ctx context.Context, snap rates.Snapshot, debtTokens uint64) {
	if debtTokens == 0 {
		return
	}
	amount := num.MulCeil(debtTokens, snap.DebtShare)
	if err := c.vault.Repay(ctx, amount, debtTokens); err != nil {
		c.log.Error("failed to repay vault after aborted unstake",
			"debt_tokens", debtTokens, "error", err)
	}
}

// Complete claims a matured unbonding and settles it: the vault debt is
// repaid, the reserve deployment is returned with its share of the profit,
// and the delegate is retired.
//
// Each external step commits its progress on the delegate before the next
// runs, so a completion interrupted partway can be retried without claiming,
// repaying, or returning twice.
func (c *Controller) Complete(ctx context.Context, id uuid.UUID) (broker.Settlement, error) {
	delegate, err := c.claimAndSettle(ctx, id)
	if err != nil {
		return broker.Settlement{}, err
	}
	settlement := *delegate.Settlement

	if !delegate.Repaid {
		err = c.store.Update(ctx, func(tx store.ControllerTx) error {
			if delegate.DebtTokens > 0 {
				if err := c.vault.Repay(ctx, settlement.Repay, delegate.DebtTokens); err != nil {
					return fmt.Errorf("failed to repay vault: %w", err)
				}
			}
			delegate.Repaid = true
			return tx.PutDelegate(ctx, delegate)
		})
		if err != nil {
			return broker.Settlement{}, err
		}
	}

	err = c.store.Update(ctx, func(tx store.ControllerTx) error {
		totals, err := tx.Totals(ctx)
		if err != nil {
			return err
		}

		if delegate.Offer.ReserveAllocation > 0 {
			received := settlement.ReserveReturn + settlement.ReserveSurplus
			if err := c.reserve.ReturnReserves(ctx, delegate.Offer.ReserveAllocation, received); err != nil {
				return fmt.Errorf("failed to return reserves: %w", err)
			}
		}

		buffer := num.SubSat(delegate.Offer.ReserveAllocation, delegate.Offer.OfferAmount)
		totals.Quote += num.SubSat(*delegate.Returned+buffer, delegate.Offer.ReserveAllocation)
		if err := tx.SetTotals(ctx, totals); err != nil {
			return err
		}
		return tx.DeleteDelegate(ctx, id)
	})
	if err != nil {
		return broker.Settlement{}, err
	}

	c.log.Info("unbonding settled",
		"delegate", id,
		"repay", settlement.Repay,
		"reserve_return", settlement.ReserveReturn,
		"reserve_surplus", settlement.ReserveSurplus,
		"protocol_fee", settlement.ProtocolFee,
	)
	return settlement, nil
}

// claimAndSettle ends the unbonding and computes the settlement, committing
// each on the delegate. The claim commits even when settlement fails, so an
// insolvent completion can be retried without hitting the provider again.
func (c *Controller) claimAndSettle(ctx context.Context, id uuid.UUID) (store.Delegate, error) {
	var (
		delegate  store.Delegate
		settleErr error
	)
	err := c.store.Update(ctx, func(tx store.ControllerTx) error {
		settleErr = nil

		var err error
		delegate, err = tx.Delegate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownDelegate
		}
		if err != nil {
			return err
		}
		if delegate.Settlement != nil {
			return nil
		}

		cfg, err := tx.BrokerConfig(ctx)
		if err != nil {
			return err
		}

		if delegate.Returned == nil {
			returned, err := c.provider.UnbondEnd(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to claim unbonding: %w", err)
			}
			delegate.Returned = &returned
		}

		snap, err := rates.Load(ctx, c.vault, c.provider)
		if err != nil {
			return err
		}

		// Reserves drawn past the payout were never spent; the buffer
		// joins the returned funds at settlement.
		buffer := num.SubSat(delegate.Offer.ReserveAllocation, delegate.Offer.OfferAmount)

		b := broker.Broker{MinRate: cfg.MinRate, Duration: cfg.Duration}
		settlement, err := b.Settle(snap, delegate.Offer, delegate.DebtTokens, *delegate.Returned+buffer, c.protocolFeeRate)
		if err != nil {
			settleErr = err
			return tx.PutDelegate(ctx, delegate)
		}

		delegate.Settlement = &settlement
		return tx.PutDelegate(ctx, delegate)
	})
	if err != nil {
		return store.Delegate{}, err
	}
	if settleErr != nil {
		return store.Delegate{}, settleErr
	}
	return delegate, nil
}

// UpdateBroker changes the pricing parameters. Owner only.
func (c *Controller) UpdateBroker(ctx context.Context, caller string, minRate decimal.Decimal, duration time.Duration) error {
	return c.store.Update(ctx, func(tx store.ControllerTx) error {
		cfg, err := tx.BrokerConfig(ctx)
		if err != nil {
			return err
		}
		if caller != cfg.Owner {
			return ErrUnauthorized
		}

		b := broker.Broker{MinRate: minRate, Duration: duration}
		if err := b.Validate(); err != nil {
			return err
		}

		cfg.MinRate = minRate
		cfg.Duration = duration
		return tx.SetBrokerConfig(ctx, cfg)
	})
}
