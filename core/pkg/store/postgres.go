package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianlabs/unbond/core/pkg/broker"
)

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// runTx executes fn in a transaction at the given access mode. Writes run
// serializable so concurrent settlements cannot double-spend reserve funds.
func runTx[T any](ctx context.Context, pool *pgxpool.Pool, mode pgx.TxAccessMode, wrap func(pgx.Tx) T, fn func(T) error) error {
	opts := pgx.TxOptions{AccessMode: mode}
	if mode == pgx.ReadWrite {
		opts.IsoLevel = pgx.Serializable
	}
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(wrap(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PostgresControllerStore is a ControllerStore backed by Postgres.
type PostgresControllerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresControllerStore connects to Postgres and seeds the controller
// state row if it does not exist yet.
func NewPostgresControllerStore(ctx context.Context, dsn string, seed BrokerConfig) (*PostgresControllerStore, error) {
	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO controller_state (id, owner, min_rate, duration_seconds)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		seed.Owner, seed.MinRate.String(), int64(seed.Duration/time.Second))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to seed controller state: %w", err)
	}

	return &PostgresControllerStore{pool: pool}, nil
}

// View implements ControllerStore.
func (s *PostgresControllerStore) View(ctx context.Context, fn func(ControllerTx) error) error {
	return runTx(ctx, s.pool, pgx.ReadOnly, func(tx pgx.Tx) ControllerTx {
		return &pgControllerTx{tx: tx}
	}, fn)
}

// Update implements ControllerStore.
func (s *PostgresControllerStore) Update(ctx context.Context, fn func(ControllerTx) error) error {
	return runTx(ctx, s.pool, pgx.ReadWrite, func(tx pgx.Tx) ControllerTx {
		return &pgControllerTx{tx: tx}
	}, fn)
}

// Close implements ControllerStore.
func (s *PostgresControllerStore) Close() {
	s.pool.Close()
}

type pgControllerTx struct {
	tx pgx.Tx
}

func (t *pgControllerTx) BrokerConfig(ctx context.Context) (BrokerConfig, error) {
	var (
		cfg     BrokerConfig
		minRate string
		seconds int64
	)
	err := t.tx.QueryRow(ctx,
		`SELECT owner, min_rate, duration_seconds FROM controller_state WHERE id = 1`).
		Scan(&cfg.Owner, &minRate, &seconds)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("failed to read broker config: %w", err)
	}
	cfg.MinRate, err = decimal.NewFromString(minRate)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("failed to parse min rate: %w", err)
	}
	cfg.Duration = time.Duration(seconds) * time.Second
	return cfg, nil
}

func (t *pgControllerTx) SetBrokerConfig(ctx context.Context, cfg BrokerConfig) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE controller_state SET owner = $1, min_rate = $2, duration_seconds = $3 WHERE id = 1`,
		cfg.Owner, cfg.MinRate.String(), int64(cfg.Duration/time.Second))
	if err != nil {
		return fmt.Errorf("failed to write broker config: %w", err)
	}
	return nil
}

func (t *pgControllerTx) Totals(ctx context.Context) (Totals, error) {
	var base, quote int64
	err := t.tx.QueryRow(ctx,
		`SELECT total_base, total_quote FROM controller_state WHERE id = 1`).
		Scan(&base, &quote)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read totals: %w", err)
	}
	return Totals{Base: uint64(base), Quote: uint64(quote)}, nil
}

func (t *pgControllerTx) SetTotals(ctx context.Context, totals Totals) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE controller_state SET total_base = $1, total_quote = $2 WHERE id = 1`,
		int64(totals.Base), int64(totals.Quote))
	if err != nil {
		return fmt.Errorf("failed to write totals: %w", err)
	}
	return nil
}

func scanDelegate(row pgx.Row) (Delegate, error) {
	var (
		d         Delegate
		id        string
		unbond    int64
		offer     int64
		fee       int64
		alloc     int64
		debt      int64
		startedAt time.Time
		returned  *int64
		repaid    bool
		repay     *int64
		rReturn   *int64
		rSurplus  *int64
		pFee      *int64
	)
	err := row.Scan(&id, &unbond, &offer, &fee, &alloc, &debt, &startedAt,
		&returned, &repaid, &repay, &rReturn, &rSurplus, &pFee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegate{}, ErrNotFound
		}
		return Delegate{}, fmt.Errorf("failed to scan delegate: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Delegate{}, fmt.Errorf("failed to parse delegate id: %w", err)
	}
	d.ID = parsed
	d.Offer = broker.Offer{
		UnbondAmount:      uint64(unbond),
		OfferAmount:       uint64(offer),
		Fee:               uint64(fee),
		ReserveAllocation: uint64(alloc),
	}
	d.DebtTokens = uint64(debt)
	d.StartedAt = startedAt
	d.Repaid = repaid
	if returned != nil {
		r := uint64(*returned)
		d.Returned = &r
	}
	// The settlement columns are written together; one is enough to test.
	if repay != nil {
		d.Settlement = &broker.Settlement{
			Repay:          uint64(*repay),
			ReserveReturn:  uint64(*rReturn),
			ReserveSurplus: uint64(*rSurplus),
			ProtocolFee:    uint64(*pFee),
		}
	}
	return d, nil
}

const delegateColumns = `id, unbond_amount, offer_amount, fee, reserve_allocation, debt_tokens, started_at,
	returned, repaid, settle_repay, settle_reserve_return, settle_reserve_surplus, settle_protocol_fee`

func (t *pgControllerTx) Delegate(ctx context.Context, id uuid.UUID) (Delegate, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+delegateColumns+` FROM delegates WHERE id = $1`, id.String())
	return scanDelegate(row)
}

func (t *pgControllerTx) PutDelegate(ctx context.Context, d Delegate) error {
	var (
		returned *int64
		repay    *int64
		rReturn  *int64
		rSurplus *int64
		pFee     *int64
	)
	if d.Returned != nil {
		r := int64(*d.Returned)
		returned = &r
	}
	if d.Settlement != nil {
		a, b := int64(d.Settlement.Repay), int64(d.Settlement.ReserveReturn)
		c, e := int64(d.Settlement.ReserveSurplus), int64(d.Settlement.ProtocolFee)
		repay, rReturn, rSurplus, pFee = &a, &b, &c, &e
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO delegates (`+delegateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			unbond_amount = EXCLUDED.unbond_amount,
			offer_amount = EXCLUDED.offer_amount,
			fee = EXCLUDED.fee,
			reserve_allocation = EXCLUDED.reserve_allocation,
			debt_tokens = EXCLUDED.debt_tokens,
			started_at = EXCLUDED.started_at,
			returned = EXCLUDED.returned,
			repaid = EXCLUDED.repaid,
			settle_repay = EXCLUDED.settle_repay,
			settle_reserve_return = EXCLUDED.settle_reserve_return,
			settle_reserve_surplus = EXCLUDED.settle_reserve_surplus,
			settle_protocol_fee = EXCLUDED.settle_protocol_fee`,
		d.ID.String(),
		int64(d.Offer.UnbondAmount), int64(d.Offer.OfferAmount),
		int64(d.Offer.Fee), int64(d.Offer.ReserveAllocation),
		int64(d.DebtTokens), d.StartedAt,
		returned, d.Repaid, repay, rReturn, rSurplus, pFee)
	if err != nil {
		return fmt.Errorf("failed to write delegate: %w", err)
	}
	return nil
}

func (t *pgControllerTx) DeleteDelegate(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM delegates WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete delegate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgControllerTx) ListDelegates(ctx context.Context) ([]Delegate, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+delegateColumns+` FROM delegates ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegates: %w", err)
	}
	defer rows.Close()

	var out []Delegate
	for rows.Next() {
		d, err := scanDelegate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list delegates: %w", err)
	}
	return out, nil
}

// PostgresReserveStore is a ReserveStore backed by Postgres.
type PostgresReserveStore struct {
	pool *pgxpool.Pool
}

// NewPostgresReserveStore connects to Postgres and seeds the reserve state
// row if it does not exist yet.
func NewPostgresReserveStore(ctx context.Context, dsn string, owner string) (*PostgresReserveStore, error) {
	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO reserve_state (id, owner)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, owner)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to seed reserve state: %w", err)
	}

	return &PostgresReserveStore{pool: pool}, nil
}

// View implements ReserveStore.
func (s *PostgresReserveStore) View(ctx context.Context, fn func(ReserveTx) error) error {
	return runTx(ctx, s.pool, pgx.ReadOnly, func(tx pgx.Tx) ReserveTx {
		return &pgReserveTx{tx: tx}
	}, fn)
}

// Update implements ReserveStore.
func (s *PostgresReserveStore) Update(ctx context.Context, fn func(ReserveTx) error) error {
	return runTx(ctx, s.pool, pgx.ReadWrite, func(tx pgx.Tx) ReserveTx {
		return &pgReserveTx{tx: tx}
	}, fn)
}

// Close implements ReserveStore.
func (s *PostgresReserveStore) Close() {
	s.pool.Close()
}

type pgReserveTx struct {
	tx pgx.Tx
}

func (t *pgReserveTx) State(ctx context.Context) (ReserveState, error) {
	var (
		state  ReserveState
		shares int64
		avail  int64
		lent   int64
		ratio  string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT owner, total_shares, available, deployed, ratio FROM reserve_state WHERE id = 1`).
		Scan(&state.Owner, &shares, &avail, &lent, &ratio)
	if err != nil {
		return ReserveState{}, fmt.Errorf("failed to read reserve state: %w", err)
	}
	state.TotalShares = uint64(shares)
	state.Available = uint64(avail)
	state.Deployed = uint64(lent)
	state.Ratio, err = decimal.NewFromString(ratio)
	if err != nil {
		return ReserveState{}, fmt.Errorf("failed to parse reserve ratio: %w", err)
	}
	return state, nil
}

func (t *pgReserveTx) SetState(ctx context.Context, state ReserveState) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reserve_state
		SET owner = $1, total_shares = $2, available = $3, deployed = $4, ratio = $5
		WHERE id = 1`,
		state.Owner, int64(state.TotalShares), int64(state.Available),
		int64(state.Deployed), state.Ratio.String())
	if err != nil {
		return fmt.Errorf("failed to write reserve state: %w", err)
	}
	return nil
}

func (t *pgReserveTx) Credit(ctx context.Context, controller string) (Credit, bool, error) {
	var (
		lent  int64
		limit *int64
	)
	err := t.tx.QueryRow(ctx,
		`SELECT lent, credit_limit FROM reserve_controllers WHERE controller = $1`, controller).
		Scan(&lent, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credit{}, false, nil
	}
	if err != nil {
		return Credit{}, false, fmt.Errorf("failed to read credit: %w", err)
	}
	credit := Credit{Lent: uint64(lent)}
	if limit != nil {
		l := uint64(*limit)
		credit.Limit = &l
	}
	return credit, true, nil
}

func (t *pgReserveTx) SetCredit(ctx context.Context, controller string, credit Credit) error {
	var limit *int64
	if credit.Limit != nil {
		l := int64(*credit.Limit)
		limit = &l
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reserve_controllers (controller, lent, credit_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (controller) DO UPDATE SET
			lent = EXCLUDED.lent,
			credit_limit = EXCLUDED.credit_limit`,
		controller, int64(credit.Lent), limit)
	if err != nil {
		return fmt.Errorf("failed to write credit: %w", err)
	}
	return nil
}

func (t *pgReserveTx) DeleteCredit(ctx context.Context, controller string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM reserve_controllers WHERE controller = $1`, controller)
	if err != nil {
		return fmt.Errorf("failed to delete credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgReserveTx) ListCredits(ctx context.Context) (map[string]Credit, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT controller, lent, credit_limit FROM reserve_controllers`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Credit)
	for rows.Next() {
		var (
			controller string
			lent       int64
			limit      *int64
		)
		if err := rows.Scan(&controller, &lent, &limit); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		credit := Credit{Lent: uint64(lent)}
		if limit != nil {
			l := uint64(*limit)
			credit.Limit = &l
		}
		out[controller] = credit
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	return out, nil
}
