package controller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/unbond/controller/internal/controller"
	"github.com/meridianlabs/unbond/core/pkg/broker"
	"github.com/meridianlabs/unbond/core/pkg/provider"
	"github.com/meridianlabs/unbond/core/pkg/provider/providertest"
	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault/vaulttest"
	"github.com/meridianlabs/unbond/reserve/pkg/pool"
	unbondtesting "github.com/meridianlabs/unbond/utils/pkg/testing"
)

const (
	owner        = "owner"
	controllerID = "controller-1"
	twoWeeks     = 14 * 24 * time.Hour
)

type fixture struct {
	clock      *clockwork.FakeClock
	vault      *vaulttest.Vault
	provider   *providertest.Provider
	pool       *pool.Pool
	controller *controller.Controller
}

// fixtureOpts tweaks the default wiring for scenario tests.
type fixtureOpts struct {
	interestRate decimal.Decimal
	duration     time.Duration
	fund         uint64
	wrapProvider func(*providertest.Provider) provider.Unbonder
	wrapReserve  func(controller.ReserveClient) controller.ReserveClient
}

// newFixture wires a controller against an in-process reserve pool funded
// with 20000, a vault lending at 100% against a 300% ceiling, and a provider
// redeeming at 1.07375.
func newFixture(t *testing.T) *fixture {
	return newFixtureOpts(t, fixtureOpts{})
}

func newFixtureOpts(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.interestRate.IsZero() {
		opts.interestRate = decimal.NewFromInt(1)
	}
	if opts.duration == 0 {
		opts.duration = twoWeeks
	}
	if opts.fund == 0 {
		opts.fund = 20000
	}

	clock := clockwork.NewFakeClock()
	log := unbondtesting.NewLogger()

	v, err := vaulttest.New(vaulttest.Config{
		Clock:           clock,
		InterestRate:    opts.interestRate,
		MaxInterestRate: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	p, err := pool.New(pool.Config{
		Logger: log,
		Store:  store.NewMemoryReserveStore(owner),
		Vault:  v,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.AddController(ctx, owner, controllerID, nil))
	_, err = p.Fund(ctx, opts.fund)
	require.NoError(t, err)

	prov := providertest.New(decimal.RequireFromString("1.07375"))
	var unbonder provider.Unbonder = prov
	if opts.wrapProvider != nil {
		unbonder = opts.wrapProvider(prov)
	}

	var reserve controller.ReserveClient = pool.NewAdapter(p, controllerID)
	if opts.wrapReserve != nil {
		reserve = opts.wrapReserve(reserve)
	}

	ctrl, err := controller.New(controller.Config{
		Logger: log,
		Clock:  clock,
		Store: store.NewMemoryControllerStore(store.BrokerConfig{
			Owner:    owner,
			MinRate:  decimal.RequireFromString("0.03"),
			Duration: opts.duration,
		}),
		Vault:           v,
		Provider:        unbonder,
		Reserve:         reserve,
		ProtocolFeeRate: decimal.RequireFromString("0.25"),
	})
	require.NoError(t, err)

	return &fixture{clock: clock, vault: v, provider: prov, pool: p, controller: ctrl}
}

func TestUnbond_Controller_Quote(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	offer, err := f.controller.Quote(ctx, 10000)
	require.NoError(t, err)
	require.Equal(t, broker.Offer{
		UnbondAmount:      10000,
		OfferAmount:       10325,
		Fee:               412,
		ReserveAllocation: 824,
	}, offer)

	// Quoting commits nothing.
	status, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20000), status.Available)
}

func TestUnbond_Controller_UnstakeAndComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	delegate, err := f.controller.Unstake(ctx, 10000, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(10325), delegate.Offer.OfferAmount)
	require.Equal(t, uint64(412), delegate.Offer.Fee)
	require.Equal(t, uint64(824), delegate.Offer.ReserveAllocation)
	require.Equal(t, uint64(9501), delegate.DebtTokens)

	poolStatus, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(19176), poolStatus.Available)
	require.Equal(t, uint64(824), poolStatus.Deployed)

	ctrlStatus, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10000), ctrlStatus.TotalBase)
	require.Equal(t, 1, ctrlStatus.Delegates)

	f.clock.Advance(twoWeeks)

	settlement, err := f.controller.Complete(ctx, delegate.ID)
	require.NoError(t, err)
	require.Equal(t, broker.Settlement{
		Repay:          9866,
		ReserveReturn:  824,
		ReserveSurplus: 36,
		ProtocolFee:    11,
	}, settlement)

	// The reserve recovered its deployment plus the surplus.
	poolStatus, err = f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20036), poolStatus.Available)
	require.Equal(t, uint64(0), poolStatus.Deployed)
	require.True(t, poolStatus.Ratio.Equal(decimal.RequireFromString("1.0018")))

	vaultStatus, err := f.vault.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vaultStatus.Borrowed)

	ctrlStatus, err = f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9913), ctrlStatus.TotalQuote)
	require.Equal(t, 0, ctrlStatus.Delegates)

	_, err = f.controller.Complete(ctx, delegate.ID)
	require.ErrorIs(t, err, controller.ErrUnknownDelegate)
}

func TestUnbond_Controller_LateCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	delegate, err := f.controller.Unstake(ctx, 10000, nil)
	require.NoError(t, err)

	// A week past the unbonding window: extra interest eats the reserve
	// deployment.
	f.clock.Advance(21 * 24 * time.Hour)

	settlement, err := f.controller.Complete(ctx, delegate.ID)
	require.NoError(t, err)
	require.Equal(t, broker.Settlement{
		Repay:          10048,
		ReserveReturn:  689,
		ReserveSurplus: 0,
		ProtocolFee:    0,
	}, settlement)

	poolStatus, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(19865), poolStatus.Available)
	require.True(t, poolStatus.Ratio.Equal(decimal.RequireFromString("0.99325")))
}

func TestUnbond_Controller_MaxFee(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	maxFee := uint64(400)
	_, err := f.controller.Unstake(ctx, 10000, &maxFee)
	require.ErrorIs(t, err, controller.ErrMaxFeeExceeded)

	// Nothing was committed.
	status, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), status.TotalBase)
	require.Equal(t, 0, status.Delegates)

	maxFee = 412
	_, err = f.controller.Unstake(ctx, 10000, &maxFee)
	require.NoError(t, err)
}

func TestUnbond_Controller_InsolventCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	delegate, err := f.controller.Unstake(ctx, 10000, nil)
	require.NoError(t, err)

	f.clock.Advance(twoWeeks)

	// A provider haircut leaves the return short of the accrued debt.
	f.provider.SetPayout(delegate.ID, 9000)

	_, err = f.controller.Complete(ctx, delegate.ID)
	var insolvent *broker.InsolventError
	require.True(t, errors.As(err, &insolvent))
	require.Equal(t, uint64(866), insolvent.DebtRemaining)

	// The delegate survives the failed settlement.
	delegates, err := f.controller.ListDelegates(ctx)
	require.NoError(t, err)
	require.Len(t, delegates, 1)

	status, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), status.TotalQuote)
}

func TestUnbond_Controller_UpdateBroker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.controller.UpdateBroker(ctx, "stranger", decimal.Zero, twoWeeks)
	require.ErrorIs(t, err, controller.ErrUnauthorized)

	err = f.controller.UpdateBroker(ctx, owner, decimal.NewFromInt(-1), twoWeeks)
	require.Error(t, err)

	// Raising the floor above the current rate raises the fee.
	err = f.controller.UpdateBroker(ctx, owner, decimal.RequireFromString("1.1"), twoWeeks)
	require.NoError(t, err)

	offer, err := f.controller.Quote(ctx, 10000)
	require.NoError(t, err)
	require.Equal(t, uint64(454), offer.Fee)
	require.Equal(t, uint64(10283), offer.OfferAmount)
}

func TestUnbond_Controller_AllocationExceedsOffer(t *testing.T) {
	t.Parallel()

	// A one-year window at a 3% offer rate against the 300% ceiling: the
	// reserve requirement dwarfs the payout, so the allocation alone funds
	// the offer and nothing is borrowed.
	oneYear := 365 * 24 * time.Hour
	f := newFixtureOpts(t, fixtureOpts{
		interestRate: decimal.RequireFromString("0.03"),
		duration:     oneYear,
		fund:         40000,
	})
	ctx := context.Background()

	delegate, err := f.controller.Unstake(ctx, 10000, nil)
	require.NoError(t, err)
	require.Equal(t, broker.Offer{
		UnbondAmount:      10000,
		OfferAmount:       10414,
		Fee:               323,
		ReserveAllocation: 31889,
	}, delegate.Offer)
	require.Equal(t, uint64(0), delegate.DebtTokens)

	vaultStatus, err := f.vault.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vaultStatus.Borrowed)

	poolStatus, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(8111), poolStatus.Available)
	require.Equal(t, uint64(31889), poolStatus.Deployed)

	f.clock.Advance(oneYear)

	// The payout plus the unspent allocation buffer covers the return and
	// leaves the fee as profit.
	settlement, err := f.controller.Complete(ctx, delegate.ID)
	require.NoError(t, err)
	require.Equal(t, broker.Settlement{
		Repay:          0,
		ReserveReturn:  31889,
		ReserveSurplus: 243,
		ProtocolFee:    80,
	}, settlement)

	poolStatus, err = f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(40243), poolStatus.Available)
	require.Equal(t, uint64(0), poolStatus.Deployed)
	require.True(t, poolStatus.Ratio.Equal(decimal.RequireFromString("1.006075")))

	ctrlStatus, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(323), ctrlStatus.TotalQuote)
	require.Equal(t, 0, ctrlStatus.Delegates)
}

func TestUnbond_Controller_UnstakeUnwindsOnProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixtureOpts(t, fixtureOpts{
		wrapProvider: func(p *providertest.Provider) provider.Unbonder {
			return &stuckProvider{Provider: p}
		},
	})
	ctx := context.Background()

	_, err := f.controller.Unstake(ctx, 10000, nil)
	require.ErrorContains(t, err, "failed to start unbonding")

	// The reserve draw and the vault borrow were both unwound.
	poolStatus, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20000), poolStatus.Available)
	require.Equal(t, uint64(0), poolStatus.Deployed)
	require.True(t, poolStatus.Ratio.Equal(decimal.NewFromInt(1)))

	vaultStatus, err := f.vault.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vaultStatus.Borrowed)

	status, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), status.TotalBase)
	require.Equal(t, 0, status.Delegates)
}

func TestUnbond_Controller_CompleteResumesAfterReserveFailure(t *testing.T) {
	t.Parallel()

	flaky := &flakyReserve{failures: 1}
	f := newFixtureOpts(t, fixtureOpts{
		wrapReserve: func(r controller.ReserveClient) controller.ReserveClient {
			flaky.ReserveClient = r
			return flaky
		},
	})
	ctx := context.Background()

	delegate, err := f.controller.Unstake(ctx, 10000, nil)
	require.NoError(t, err)

	f.clock.Advance(twoWeeks)

	_, err = f.controller.Complete(ctx, delegate.ID)
	require.ErrorContains(t, err, "failed to return reserves")

	// The claim and the repay committed; the delegate waits for the retry.
	delegates, err := f.controller.ListDelegates(ctx)
	require.NoError(t, err)
	require.Len(t, delegates, 1)

	vaultStatus, err := f.vault.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vaultStatus.Borrowed)

	// The retry skips the provider and the vault and finishes the return.
	settlement, err := f.controller.Complete(ctx, delegate.ID)
	require.NoError(t, err)
	require.Equal(t, broker.Settlement{
		Repay:          9866,
		ReserveReturn:  824,
		ReserveSurplus: 36,
		ProtocolFee:    11,
	}, settlement)

	poolStatus, err := f.pool.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20036), poolStatus.Available)
	require.Equal(t, uint64(0), poolStatus.Deployed)

	status, err := f.controller.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9913), status.TotalQuote)
	require.Equal(t, 0, status.Delegates)
}

// stuckProvider fails every unbond start.
type stuckProvider struct {
	*providertest.Provider
}

func (p *stuckProvider) UnbondStart(ctx context.Context, id uuid.UUID, amount uint64) error {
	return errors.New("provider offline")
}

// flakyReserve fails the first n reserve returns.
type flakyReserve struct {
	controller.ReserveClient
	failures int
}

func (r *flakyReserve) ReturnReserves(ctx context.Context, original, received uint64) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("reserve unavailable")
	}
	return r.ReserveClient.ReturnReserves(ctx, original, received)
}
