// Package providertest provides an in-memory staking provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/num"
)

// Provider is an in-memory implementation of provider.Unbonder. Unbondings
// mature immediately; claims pay out at the current redemption rate unless a
// payout override is set.
type Provider struct {
	mu      sync.Mutex
	rate    decimal.Decimal
	unbonds map[uuid.UUID]uint64
	payouts map[uuid.UUID]uint64
}

// New creates a test provider at the given redemption rate.
func New(rate decimal.Decimal) *Provider {
	return &Provider{
		rate:    rate,
		unbonds: make(map[uuid.UUID]uint64),
		payouts: make(map[uuid.UUID]uint64),
	}
}

// RedemptionRate implements provider.Unbonder.
func (p *Provider) RedemptionRate(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate, nil
}

// UnbondStart implements provider.Unbonder.
func (p *Provider) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.unbonds[id]; ok {
		return fmt.Errorf("unbonding %s already exists", id)
	}
	p.unbonds[id] = amount
	return nil
}

// UnbondEnd implements provider.Unbonder.
func (p *Provider) UnbondEnd(ctx context.Context, id uuid.UUID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.unbonds[id]
	if !ok {
		return 0, fmt.Errorf("unknown unbonding %s", id)
	}
	delete(p.unbonds, id)
	if payout, ok := p.payouts[id]; ok {
		delete(p.payouts, id)
		return payout, nil
	}
	return num.MulFloor(amount, p.rate), nil
}

// SetRedemptionRate changes the redemption rate.
func (p *Provider) SetRedemptionRate(rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = rate
}

// SetPayout pins the claim payout for one unbonding, overriding the
// rate-derived amount.
func (p *Provider) SetPayout(id uuid.UUID, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payouts[id] = amount
}
