// Package store persists broker and reserve state. Two backends exist: an
// in-memory store for tests and single-node development, and a Postgres store
// for production. All mutation happens inside Update closures, which commit
// atomically or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/broker"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BrokerConfig is the controller's pricing configuration.
type BrokerConfig struct {
	// Owner is the principal allowed to change this configuration.
	Owner string `json:"owner"`
	// MinRate is the floor applied to the vault interest rate when
	// pricing offers.
	MinRate decimal.Decimal `json:"min_rate"`
	// Duration is the provider's unbonding window.
	Duration time.Duration `json:"duration"`
}

// Totals tracks lifetime flow through the controller.
type Totals struct {
	// Base is the total staked tokens accepted for unbonding.
	Base uint64 `json:"base"`
	// Quote is the total quote returned net of reserve allocations.
	Quote uint64 `json:"quote"`
}

// Delegate is one in-flight unbonding: the offer that funded it, the vault
// debt shares minted against it, and when it started. The settlement fields
// record completion progress so an interrupted completion can resume without
// repeating external calls.
type Delegate struct {
	ID         uuid.UUID    `json:"id"`
	Offer      broker.Offer `json:"offer"`
	DebtTokens uint64       `json:"debt_tokens"`
	StartedAt  time.Time    `json:"started_at"`

	// Returned is the amount claimed from the provider. Nil until the
	// unbonding has been ended.
	Returned *uint64 `json:"returned,omitempty"`
	// Settlement is the committed distribution of the returned funds.
	Settlement *broker.Settlement `json:"settlement,omitempty"`
	// Repaid marks the vault debt as repaid.
	Repaid bool `json:"repaid,omitempty"`
}

// ControllerTx is one atomic view of controller state.
type ControllerTx interface {
	BrokerConfig(ctx context.Context) (BrokerConfig, error)
	SetBrokerConfig(ctx context.Context, cfg BrokerConfig) error

	Totals(ctx context.Context) (Totals, error)
	SetTotals(ctx context.Context, totals Totals) error

	Delegate(ctx context.Context, id uuid.UUID) (Delegate, error)
	PutDelegate(ctx context.Context, d Delegate) error
	DeleteDelegate(ctx context.Context, id uuid.UUID) error
	ListDelegates(ctx context.Context) ([]Delegate, error)
}

// ControllerStore provides transactional access to controller state.
type ControllerStore interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(ControllerTx) error) error
	// Update runs fn in a transaction, committing only if fn returns nil.
	Update(ctx context.Context, fn func(ControllerTx) error) error
	Close()
}

// ReserveState is the reserve pool's book.
type ReserveState struct {
	// Owner is the principal allowed to manage the controller whitelist.
	Owner string `json:"owner"`
	// TotalShares is the pool shares outstanding.
	TotalShares uint64 `json:"total_shares"`
	// Available is the vault receipt tokens on hand.
	Available uint64 `json:"available"`
	// Deployed is the quote amount currently lent to controllers.
	Deployed uint64 `json:"deployed"`
	// Ratio converts pool shares to receipt tokens. It moves only on
	// realized profit or loss.
	Ratio decimal.Decimal `json:"ratio"`
}

// Credit is one whitelisted controller's line with the reserve.
type Credit struct {
	// Lent is the quote amount currently out with this controller.
	Lent uint64 `json:"lent"`
	// Limit caps Lent. Nil means uncapped.
	Limit *uint64 `json:"limit,omitempty"`
}

// ReserveTx is one atomic view of reserve state.
type ReserveTx interface {
	State(ctx context.Context) (ReserveState, error)
	SetState(ctx context.Context, state ReserveState) error

	Credit(ctx context.Context, controller string) (Credit, bool, error)
	SetCredit(ctx context.Context, controller string, credit Credit) error
	DeleteCredit(ctx context.Context, controller string) error
	ListCredits(ctx context.Context) (map[string]Credit, error)
}

// ReserveStore provides transactional access to reserve state.
type ReserveStore interface {
	View(ctx context.Context, fn func(ReserveTx) error) error
	Update(ctx context.Context, fn func(ReserveTx) error) error
	Close()
}
