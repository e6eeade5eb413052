// Package provider adapts the staking providers whose unbonding queues back
// the protocol. Each supported provider speaks its own wire dialect; the
// adapters normalize them behind a single Unbonder interface.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unbonder is a staking provider's unbonding queue. One Unbonder serves many
// concurrent unbondings, keyed by delegate ID.
type Unbonder interface {
	// RedemptionRate returns the current base-to-quote conversion rate of
	// the staked token.
	RedemptionRate(ctx context.Context) (decimal.Decimal, error)

	// UnbondStart enters amount of the staked base token into the
	// provider's unbonding queue under the given delegate ID.
	UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error

	// UnbondEnd claims a matured unbonding and returns the quote amount
	// received.
	UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error)
}

// Kind identifies a supported staking provider dialect.
type Kind string

const (
	KindEris        Kind = "eris"
	KindGravedigger Kind = "gravedigger"
	KindQuark       Kind = "quark"
	KindContract    Kind = "contract"
)

// ParseKind parses a provider kind from its string form.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEris, KindGravedigger, KindQuark, KindContract:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Config holds provider adapter configuration.
type Config struct {
	Kind    Kind
	BaseURL string
	Logger  *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// New builds the adapter for the configured provider kind.
func New(cfg Config) (Unbonder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := newClient(cfg.BaseURL, cfg.Logger)
	switch cfg.Kind {
	case KindEris:
		return &erisAdapter{client: c}, nil
	case KindGravedigger:
		return &gravediggerAdapter{client: c}, nil
	case KindQuark:
		return &quarkAdapter{client: c}, nil
	case KindContract:
		return &contractAdapter{client: c}, nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}
