// Package vaulttest provides an in-memory lending vault for tests. Interest
// accrues linearly against an injected clock so settlement paths can be
// exercised at exact points in time.
package vaulttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/num"
	"github.com/meridianlabs/unbond/core/pkg/vault"
)

const secondsPerYear = 31536000

// Config holds test vault configuration.
type Config struct {
	Clock           clockwork.Clock
	InterestRate    decimal.Decimal
	MaxInterestRate decimal.Decimal
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxInterestRate.IsZero() {
		c.MaxInterestRate = decimal.NewFromInt(3)
	}
	if c.InterestRate.GreaterThan(c.MaxInterestRate) {
		return fmt.Errorf("interest rate %s exceeds max %s", c.InterestRate, c.MaxInterestRate)
	}
	return nil
}

// Vault is an in-memory implementation of vault.Vault.
type Vault struct {
	mu sync.Mutex

	clock           clockwork.Clock
	interestRate    decimal.Decimal
	maxInterestRate decimal.Decimal

	debtShareRatio         decimal.Decimal
	depositRedemptionRatio decimal.Decimal
	deposited              uint64
	debtShares             uint64
	lastAccrual            time.Time
}

// New creates a test vault with both ratios starting at one.
func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Vault{
		clock:                  cfg.Clock,
		interestRate:           cfg.InterestRate,
		maxInterestRate:        cfg.MaxInterestRate,
		debtShareRatio:         decimal.NewFromInt(1),
		depositRedemptionRatio: decimal.NewFromInt(1),
		lastAccrual:            cfg.Clock.Now(),
	}, nil
}

// accrue advances the debt share ratio by rate * elapsed / year. Callers
// hold v.mu.
func (v *Vault) accrue() {
	now := v.clock.Now()
	elapsed := now.Sub(v.lastAccrual)
	v.lastAccrual = now
	if elapsed <= 0 || v.interestRate.IsZero() {
		return
	}
	frac := decimal.NewFromInt(int64(elapsed / time.Second)).
		DivRound(decimal.NewFromInt(secondsPerYear), 18)
	v.debtShareRatio = v.debtShareRatio.Add(v.interestRate.Mul(frac))
}

// Status implements vault.Vault.
func (v *Vault) Status(ctx context.Context) (vault.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	return vault.Status{
		Deposited:              v.deposited,
		Borrowed:               num.MulCeil(v.debtShares, v.debtShareRatio),
		InterestRate:           v.interestRate,
		MaxInterestRate:        v.maxInterestRate,
		DebtShareRatio:         v.debtShareRatio,
		DepositRedemptionRatio: v.depositRedemptionRatio,
	}, nil
}

// Deposit implements vault.Vault.
func (v *Vault) Deposit(ctx context.Context, amount uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	receipt := num.DivFloor(amount, v.depositRedemptionRatio)
	v.deposited += amount
	return receipt, nil
}

// Withdraw implements vault.Vault.
func (v *Vault) Withdraw(ctx context.Context, receipt uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	amount := num.MulFloor(receipt, v.depositRedemptionRatio)
	if amount > v.deposited {
		return 0, fmt.Errorf("insufficient vault liquidity: want %d, have %d", amount, v.deposited)
	}
	v.deposited -= amount
	return amount, nil
}

// Borrow implements vault.Vault.
func (v *Vault) Borrow(ctx context.Context, amount uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	shares := num.DivCeil(amount, v.debtShareRatio)
	v.debtShares += shares
	return shares, nil
}

// Repay implements vault.Vault. The amount must cover the debt the shares
// represent at the current ratio.
func (v *Vault) Repay(ctx context.Context, amount uint64, debtShares uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	if debtShares > v.debtShares {
		return fmt.Errorf("repaying %d debt shares, only %d outstanding", debtShares, v.debtShares)
	}
	if owed := num.MulCeil(debtShares, v.debtShareRatio); amount < owed {
		return fmt.Errorf("repay amount %d short of debt %d", amount, owed)
	}
	v.debtShares -= debtShares
	return nil
}

// SetInterestRate changes the borrow rate after accruing at the old one.
func (v *Vault) SetInterestRate(rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrue()
	v.interestRate = rate
}

// SetDepositRedemptionRatio overrides the receipt conversion ratio.
func (v *Vault) SetDepositRedemptionRatio(ratio decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depositRedemptionRatio = ratio
}
