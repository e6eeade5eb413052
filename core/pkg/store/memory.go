package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryControllerStore is an in-memory ControllerStore. Updates run against
// a copy of the state and commit on success, so a failed closure leaves the
// store untouched.
type MemoryControllerStore struct {
	mu    sync.RWMutex
	state memControllerState
}

type memControllerState struct {
	cfg       BrokerConfig
	totals    Totals
	delegates map[uuid.UUID]Delegate
}

func (s memControllerState) clone() memControllerState {
	delegates := make(map[uuid.UUID]Delegate, len(s.delegates))
	for id, d := range s.delegates {
		delegates[id] = copyDelegate(d)
	}
	return memControllerState{cfg: s.cfg, totals: s.totals, delegates: delegates}
}

// copyDelegate detaches the pointer fields so callers cannot alias committed
// state.
func copyDelegate(d Delegate) Delegate {
	if d.Returned != nil {
		returned := *d.Returned
		d.Returned = &returned
	}
	if d.Settlement != nil {
		settlement := *d.Settlement
		d.Settlement = &settlement
	}
	return d
}

// NewMemoryControllerStore creates an in-memory controller store seeded with
// the given broker configuration.
func NewMemoryControllerStore(cfg BrokerConfig) *MemoryControllerStore {
	return &MemoryControllerStore{
		state: memControllerState{
			cfg:       cfg,
			delegates: make(map[uuid.UUID]Delegate),
		},
	}
}

// View implements ControllerStore.
func (s *MemoryControllerStore) View(ctx context.Context, fn func(ControllerTx) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&memControllerTx{state: &snapshot})
}

// Update implements ControllerStore.
func (s *MemoryControllerStore) Update(ctx context.Context, fn func(ControllerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.state.clone()
	if err := fn(&memControllerTx{state: &working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close implements ControllerStore.
func (s *MemoryControllerStore) Close() {}

type memControllerTx struct {
	state *memControllerState
}

func (t *memControllerTx) BrokerConfig(ctx context.Context) (BrokerConfig, error) {
	return t.state.cfg, nil
}

func (t *memControllerTx) SetBrokerConfig(ctx context.Context, cfg BrokerConfig) error {
	t.state.cfg = cfg
	return nil
}

func (t *memControllerTx) Totals(ctx context.Context) (Totals, error) {
	return t.state.totals, nil
}

func (t *memControllerTx) SetTotals(ctx context.Context, totals Totals) error {
	t.state.totals = totals
	return nil
}

func (t *memControllerTx) Delegate(ctx context.Context, id uuid.UUID) (Delegate, error) {
	d, ok := t.state.delegates[id]
	if !ok {
		return Delegate{}, ErrNotFound
	}
	return d, nil
}

func (t *memControllerTx) PutDelegate(ctx context.Context, d Delegate) error {
	t.state.delegates[d.ID] = copyDelegate(d)
	return nil
}

func (t *memControllerTx) DeleteDelegate(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.state.delegates[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.delegates, id)
	return nil
}

func (t *memControllerTx) ListDelegates(ctx context.Context) ([]Delegate, error) {
	out := make([]Delegate, 0, len(t.state.delegates))
	for _, d := range t.state.delegates {
		out = append(out, d)
	}
	return out, nil
}

// MemoryReserveStore is an in-memory ReserveStore with the same
// copy-and-commit discipline as MemoryControllerStore.
type MemoryReserveStore struct {
	mu    sync.RWMutex
	state memReserveState
}

type memReserveState struct {
	reserve ReserveState
	credits map[string]Credit
}

func (s memReserveState) clone() memReserveState {
	credits := make(map[string]Credit, len(s.credits))
	for id, c := range s.credits {
		if c.Limit != nil {
			limit := *c.Limit
			c.Limit = &limit
		}
		credits[id] = c
	}
	return memReserveState{reserve: s.reserve, credits: credits}
}

// NewMemoryReserveStore creates an in-memory reserve store owned by owner,
// with the share ratio starting at one.
func NewMemoryReserveStore(owner string) *MemoryReserveStore {
	return &MemoryReserveStore{
		state: memReserveState{
			reserve: ReserveState{
				Owner: owner,
				Ratio: decimal.NewFromInt(1),
			},
			credits: make(map[string]Credit),
		},
	}
}

// View implements ReserveStore.
func (s *MemoryReserveStore) View(ctx context.Context, fn func(ReserveTx) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&memReserveTx{state: &snapshot})
}

// Update implements ReserveStore.
func (s *MemoryReserveStore) Update(ctx context.Context, fn func(ReserveTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.state.clone()
	if err := fn(&memReserveTx{state: &working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close implements ReserveStore.
func (s *MemoryReserveStore) Close() {}

type memReserveTx struct {
	state *memReserveState
}

func (t *memReserveTx) State(ctx context.Context) (ReserveState, error) {
	return t.state.reserve, nil
}

func (t *memReserveTx) SetState(ctx context.Context, state ReserveState) error {
	t.state.reserve = state
	return nil
}

func (t *memReserveTx) Credit(ctx context.Context, controller string) (Credit, bool, error) {
	c, ok := t.state.credits[controller]
	return c, ok, nil
}

func (t *memReserveTx) SetCredit(ctx context.Context, controller string, credit Credit) error {
	// Copy the limit so the caller's pointer cannot alias committed state.
	if credit.Limit != nil {
		limit := *credit.Limit
		credit.Limit = &limit
	}
	t.state.credits[controller] = credit
	return nil
}

func (t *memReserveTx) DeleteCredit(ctx context.Context, controller string) error {
	if _, ok := t.state.credits[controller]; !ok {
		return ErrNotFound
	}
	delete(t.state.credits, controller)
	return nil
}

func (t *memReserveTx) ListCredits(ctx context.Context) (map[string]Credit, error) {
	out := make(map[string]Credit, len(t.state.credits))
	for id, c := range t.state.credits {
		out[id] = c
	}
	return out, nil
}
