// Package pg_store implements position.Store on PostgreSQL via pgx, for
// deployments that run several workers against one shared positions table.
package pg_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ position.Store = (*PositionStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	order_id               TEXT PRIMARY KEY,
	client_code            TEXT NOT NULL,
	trading_symbol         TEXT NOT NULL,
	symbol_token           TEXT,
	exchange               TEXT,
	side                   TEXT NOT NULL,
	quantity               BIGINT NOT NULL,
	product_type           TEXT,
	status                 TEXT NOT NULL,
	auto_square_off_status TEXT,
	exit_order_id          TEXT,
	exit_at                TIMESTAMPTZ,
	exit_lease_until       TIMESTAMPTZ,
	exit_attempts          INTEGER NOT NULL DEFAULT 0,
	last_exit_error        TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status);`

// PositionStore is a position.Store backed by a pgx connection pool.
type PositionStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Migrate creates the positions table when missing.
func (s *PositionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: create positions table: %w", err)
	}
	return nil
}

const selectCols = `order_id, client_code, trading_symbol, symbol_token, exchange, side,
	quantity, product_type, status, auto_square_off_status, exit_order_id, exit_at,
	exit_lease_until, exit_attempts, last_exit_error, created_at, updated_at`

func scanPositionRow(row pgx.Row) (position.Position, error) {
	var (
		p                                                      position.Position
		side, status                                           string
		symbolToken, exchange, productType, autoStatus, exitID *string
		lastErr                                                *string
	)
	err := row.Scan(
		&p.OrderID, &p.ClientCode, &p.TradingSymbol, &symbolToken, &exchange, &side,
		&p.Quantity, &productType, &status, &autoStatus, &exitID, &p.ExitAt,
		&p.ExitLeaseUntil, &p.ExitAttempts, &lastErr, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return position.Position{}, err
	}
	p.Side = position.Side(side)
	p.Status = position.Status(status)
	p.SymbolToken = deref(symbolToken)
	p.Exchange = deref(exchange)
	p.ProductType = deref(productType)
	p.AutoSquareOffStatus = position.AutoSquareOffStatus(deref(autoStatus))
	p.ExitOrderID = deref(exitID)
	p.LastExitError = deref(lastErr)
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func storeErr(op, msg string, err error) error {
	return &trade_exceptions.DatabaseOperationException{Operation: op, Message: msg, Err: err}
}

// FindByOrderID loads one position.
func (s *PositionStore) FindByOrderID(ctx context.Context, orderID string) (*position.Position, error) {
	p, err := scanPositionRow(s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM positions WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &trade_exceptions.PositionNotFoundException{OrderID: orderID}
		}
		return nil, storeErr("SELECT", fmt.Sprintf("postgres: get position %s", orderID), err)
	}
	return &p, nil
}

// FindAllOpen lists OPEN positions ordered by order id.
func (s *PositionStore) FindAllOpen(ctx context.Context) ([]position.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectCols+` FROM positions WHERE status = $1 ORDER BY order_id`, string(position.StatusOpen))
	if err != nil {
		return nil, storeErr("SELECT", "postgres: list open positions", err)
	}
	defer rows.Close()

	var open []position.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, storeErr("SELECT", "postgres: scan open position", err)
		}
		open = append(open, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("SELECT", "postgres: iterate open positions", err)
	}
	return open, nil
}

// Save upserts the full record.
func (s *PositionStore) Save(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position cannot be nil")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO positions (` + selectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, COALESCE($16, NOW()), NOW())
		ON CONFLICT (order_id) DO UPDATE SET
			client_code            = EXCLUDED.client_code,
			trading_symbol         = EXCLUDED.trading_symbol,
			symbol_token           = EXCLUDED.symbol_token,
			exchange               = EXCLUDED.exchange,
			side                   = EXCLUDED.side,
			quantity               = EXCLUDED.quantity,
			product_type           = EXCLUDED.product_type,
			status                 = EXCLUDED.status,
			auto_square_off_status = EXCLUDED.auto_square_off_status,
			exit_order_id          = EXCLUDED.exit_order_id,
			exit_at                = EXCLUDED.exit_at,
			exit_lease_until       = EXCLUDED.exit_lease_until,
			exit_attempts          = EXCLUDED.exit_attempts,
			last_exit_error        = EXCLUDED.last_exit_error,
			updated_at             = NOW()
		WHERE positions.status = 'OPEN' OR EXCLUDED.status = 'CLOSED'
		RETURNING created_at, updated_at`

	var createdAt *time.Time
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt.UTC()
		createdAt = &t
	}
	err := s.pool.QueryRow(ctx, query,
		p.OrderID, p.ClientCode, p.TradingSymbol, nullable(p.SymbolToken), nullable(p.Exchange), string(p.Side),
		p.Quantity, nullable(p.ProductType), string(p.Status), nullable(string(p.AutoSquareOffStatus)),
		nullable(p.ExitOrderID), p.ExitAt, p.ExitLeaseUntil, p.ExitAttempts, nullable(p.LastExitError), createdAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// The existing row is CLOSED and the new one is not.
		return &trade_exceptions.InvalidStateError{OrderID: p.OrderID, Status: string(position.StatusClosed), Wanted: string(position.StatusOpen)}
	}
	if err != nil {
		return storeErr("UPSERT", fmt.Sprintf("postgres: save position %s", p.OrderID), err)
	}
	return nil
}

// InsertPosition records a newly opened position. It fails if the order id
// already exists.
func (s *PositionStore) InsertPosition(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position cannot be nil")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO positions (` + selectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, COALESCE($16, NOW()), NOW())
		RETURNING created_at, updated_at`

	var createdAt *time.Time
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt.UTC()
		createdAt = &t
	}
	err := s.pool.QueryRow(ctx, query,
		p.OrderID, p.ClientCode, p.TradingSymbol, nullable(p.SymbolToken), nullable(p.Exchange), string(p.Side),
		p.Quantity, nullable(p.ProductType), string(p.Status), nullable(string(p.AutoSquareOffStatus)),
		nullable(p.ExitOrderID), p.ExitAt, p.ExitLeaseUntil, p.ExitAttempts, nullable(p.LastExitError), createdAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return storeErr("INSERT", fmt.Sprintf("postgres: insert position %s", p.OrderID), err)
	}
	return nil
}

// ClaimExit takes the in-flight exit claim when the position is OPEN and no
// live lease exists. The row lock taken by UPDATE makes concurrent claims
// serialise, so exactly one caller sees a hit.
func (s *PositionStore) ClaimExit(ctx context.Context, orderID string, now, leaseUntil time.Time) (bool, error) {
	const query = `
		UPDATE positions SET
			auto_square_off_status = $2,
			exit_lease_until       = $3,
			updated_at             = $4
		WHERE order_id = $1 AND status = 'OPEN'
			AND (auto_square_off_status IS DISTINCT FROM $2
				OR exit_lease_until IS NULL OR exit_lease_until < $4)`
	tag, err := s.pool.Exec(ctx, query, orderID, string(position.AutoSquareOffInProgress), leaseUntil.UTC(), now.UTC())
	if err != nil {
		return false, storeErr("UPDATE", fmt.Sprintf("postgres: claim exit %s", orderID), err)
	}
	return s.hitOrMissing(ctx, tag, orderID)
}

// CompleteExit closes the position with the exit order details.
func (s *PositionStore) CompleteExit(ctx context.Context, orderID, exitOrderID string, exitAt time.Time) error {
	const query = `
		UPDATE positions SET
			status                 = 'CLOSED',
			exit_order_id          = $2,
			exit_at                = $3,
			auto_square_off_status = 'COMPLETED',
			exit_lease_until       = NULL,
			exit_attempts          = exit_attempts + 1,
			last_exit_error        = NULL,
			updated_at             = $3
		WHERE order_id = $1 AND status = 'OPEN'`
	tag, err := s.pool.Exec(ctx, query, orderID, exitOrderID, exitAt.UTC())
	if err != nil {
		return storeErr("UPDATE", fmt.Sprintf("postgres: complete exit %s", orderID), err)
	}
	return s.requireOpen(ctx, tag, orderID)
}

// FailExit records the failed attempt and releases the claim.
func (s *PositionStore) FailExit(ctx context.Context, orderID, reason string, at time.Time) error {
	const query = `
		UPDATE positions SET
			auto_square_off_status = 'FAILED',
			exit_lease_until       = NULL,
			exit_attempts          = exit_attempts + 1,
			last_exit_error        = $2,
			updated_at             = $3
		WHERE order_id = $1 AND status = 'OPEN'`
	tag, err := s.pool.Exec(ctx, query, orderID, reason, at.UTC())
	if err != nil {
		return storeErr("UPDATE", fmt.Sprintf("postgres: fail exit %s", orderID), err)
	}
	return s.requireOpen(ctx, tag, orderID)
}

// MarkClosed transitions OPEN -> CLOSED after a confirmed fill.
func (s *PositionStore) MarkClosed(ctx context.Context, orderID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'CLOSED', updated_at = $2 WHERE order_id = $1 AND status = 'OPEN'`,
		orderID, at.UTC())
	if err != nil {
		return false, storeErr("UPDATE", fmt.Sprintf("postgres: mark closed %s", orderID), err)
	}
	return s.hitOrMissing(ctx, tag, orderID)
}

// MarkExitPending flags an OPEN position whose exit task has been enqueued.
func (s *PositionStore) MarkExitPending(ctx context.Context, orderID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET auto_square_off_status = 'PENDING', updated_at = $2
		WHERE order_id = $1 AND status = 'OPEN'
			AND auto_square_off_status IS DISTINCT FROM 'IN_PROGRESS'`,
		orderID, at.UTC())
	if err != nil {
		return storeErr("UPDATE", fmt.Sprintf("postgres: mark exit pending %s", orderID), err)
	}
	_, err = s.hitOrMissing(ctx, tag, orderID)
	return err
}

func (s *PositionStore) hitOrMissing(ctx context.Context, tag pgconn.CommandTag, orderID string) (bool, error) {
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.FindByOrderID(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PositionStore) requireOpen(ctx context.Context, tag pgconn.CommandTag, orderID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	p, err := s.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	return &trade_exceptions.InvalidStateError{OrderID: orderID, Status: string(p.Status), Wanted: string(position.StatusOpen)}
}
