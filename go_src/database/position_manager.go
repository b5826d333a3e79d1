package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"
)

// Compile-time interface check.
var _ position.Store = (*PositionManager)(nil)

// PositionManager handles operations for the positions table.
type PositionManager struct {
	tdb *TradingDB
}

// NewPositionManager creates a new PositionManager.
func NewPositionManager(tdb *TradingDB) *PositionManager {
	return &PositionManager{tdb: tdb}
}

// CreateSchemaPositions creates the positions table.
func (pm *PositionManager) CreateSchemaPositions() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		order_id VARCHAR PRIMARY KEY,
		client_code VARCHAR NOT NULL,
		trading_symbol VARCHAR NOT NULL,
		symbol_token VARCHAR,
		exchange VARCHAR,
		side VARCHAR NOT NULL,
		quantity BIGINT NOT NULL,
		product_type VARCHAR,
		status VARCHAR NOT NULL,
		auto_square_off_status VARCHAR,
		exit_order_id VARCHAR,
		exit_at TIMESTAMP,
		exit_lease_until TIMESTAMP,
		exit_attempts INTEGER DEFAULT 0,
		last_exit_error VARCHAR,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);`
	if _, err := pm.tdb.DB().Exec(schema); err != nil {
		return fmt.Errorf("failed to create positions schema: %w", err)
	}
	return nil
}

const positionColumns = `order_id, client_code, trading_symbol, symbol_token, exchange, side,
	quantity, product_type, status, auto_square_off_status, exit_order_id, exit_at,
	exit_lease_until, exit_attempts, last_exit_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (position.Position, error) {
	var (
		p                                                      position.Position
		symbolToken, exchange, productType, autoStatus, exitID sql.NullString
		lastErr                                                sql.NullString
		exitAt, leaseUntil, createdAt, updatedAt               sql.NullTime
		side, status                                           string
		attempts                                               sql.NullInt64
	)
	err := row.Scan(
		&p.OrderID, &p.ClientCode, &p.TradingSymbol, &symbolToken, &exchange, &side,
		&p.Quantity, &productType, &status, &autoStatus, &exitID, &exitAt,
		&leaseUntil, &attempts, &lastErr, &createdAt, &updatedAt,
	)
	if err != nil {
		return position.Position{}, err
	}
	p.SymbolToken = symbolToken.String
	p.Exchange = exchange.String
	p.Side = position.Side(side)
	p.ProductType = productType.String
	p.Status = position.Status(status)
	p.AutoSquareOffStatus = position.AutoSquareOffStatus(autoStatus.String)
	p.ExitOrderID = exitID.String
	p.ExitAt = timePtr(exitAt)
	p.ExitLeaseUntil = timePtr(leaseUntil)
	p.ExitAttempts = int(attempts.Int64)
	p.LastExitError = lastErr.String
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time.UTC()
	}
	return p, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func dbError(op, msg string, err error) error {
	return &trade_exceptions.DatabaseOperationException{Operation: op, Message: msg, Err: err}
}

// InsertPosition records a newly opened position. It fails if the order id
// already exists.
func (pm *PositionManager) InsertPosition(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position cannot be nil")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `INSERT INTO positions (` + positionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if _, err := pm.tdb.DB().ExecContext(ctx, query, positionArgs(p)...); err != nil {
		return dbError("INSERT", fmt.Sprintf("insert position %s", p.OrderID), err)
	}
	return nil
}

func positionArgs(p *position.Position) []interface{} {
	return []interface{}{
		p.OrderID, p.ClientCode, p.TradingSymbol, nullString(p.SymbolToken), nullString(p.Exchange), string(p.Side),
		p.Quantity, nullString(p.ProductType), string(p.Status), nullString(string(p.AutoSquareOffStatus)),
		nullString(p.ExitOrderID), nullTime(p.ExitAt), nullTime(p.ExitLeaseUntil), p.ExitAttempts,
		nullString(p.LastExitError), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}
}

// FindByOrderID loads one position.
func (pm *PositionManager) FindByOrderID(ctx context.Context, orderID string) (*position.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE order_id = ?;`
	p, err := scanPosition(pm.tdb.DB().QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &trade_exceptions.PositionNotFoundException{OrderID: orderID}
	}
	if err != nil {
		return nil, dbError("SELECT", fmt.Sprintf("load position %s", orderID), err)
	}
	return &p, nil
}

// FindAllOpen lists OPEN positions ordered by order id.
func (pm *PositionManager) FindAllOpen(ctx context.Context) ([]position.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ? ORDER BY order_id;`
	rows, err := pm.tdb.DB().QueryContext(ctx, query, string(position.StatusOpen))
	if err != nil {
		return nil, dbError("SELECT", "list open positions", err)
	}
	defer rows.Close()

	var open []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, dbError("SELECT", "scan open position", err)
		}
		open = append(open, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("SELECT", "iterate open positions", err)
	}
	return open, nil
}

// Save upserts the full record.
func (pm *PositionManager) Save(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position cannot be nil")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `INSERT INTO positions (` + positionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (order_id) DO UPDATE SET
		client_code = EXCLUDED.client_code,
		trading_symbol = EXCLUDED.trading_symbol,
		symbol_token = EXCLUDED.symbol_token,
		exchange = EXCLUDED.exchange,
		side = EXCLUDED.side,
		quantity = EXCLUDED.quantity,
		product_type = EXCLUDED.product_type,
		status = EXCLUDED.status,
		auto_square_off_status = EXCLUDED.auto_square_off_status,
		exit_order_id = EXCLUDED.exit_order_id,
		exit_at = EXCLUDED.exit_at,
		exit_lease_until = EXCLUDED.exit_lease_until,
		exit_attempts = EXCLUDED.exit_attempts,
		last_exit_error = EXCLUDED.last_exit_error,
		updated_at = EXCLUDED.updated_at
	WHERE positions.status = 'OPEN' OR EXCLUDED.status = 'CLOSED';`
	res, err := pm.tdb.DB().ExecContext(ctx, query, positionArgs(p)...)
	if err != nil {
		return dbError("UPSERT", fmt.Sprintf("save position %s", p.OrderID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("UPSERT", "read affected rows", err)
	}
	if n == 0 {
		// The existing row is CLOSED and the new one is not.
		return &trade_exceptions.InvalidStateError{OrderID: p.OrderID, Status: string(position.StatusClosed), Wanted: string(position.StatusOpen)}
	}
	return nil
}

// ClaimExit takes the in-flight exit claim when the position is OPEN and no
// live lease exists.
func (pm *PositionManager) ClaimExit(ctx context.Context, orderID string, now, leaseUntil time.Time) (bool, error) {
	query := `
	UPDATE positions SET
		auto_square_off_status = ?,
		exit_lease_until = ?,
		updated_at = ?
	WHERE order_id = ? AND status = ?
		AND (auto_square_off_status IS NULL OR auto_square_off_status <> ?
			OR exit_lease_until IS NULL OR exit_lease_until < ?);`
	res, err := pm.tdb.DB().ExecContext(ctx, query,
		string(position.AutoSquareOffInProgress), leaseUntil.UTC(), now.UTC(),
		orderID, string(position.StatusOpen),
		string(position.AutoSquareOffInProgress), now.UTC(),
	)
	if err != nil {
		return false, dbError("UPDATE", fmt.Sprintf("claim exit for %s", orderID), err)
	}
	claimed, err := pm.affectedOrMissing(ctx, res, orderID)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CompleteExit closes the position with the exit order details.
func (pm *PositionManager) CompleteExit(ctx context.Context, orderID, exitOrderID string, exitAt time.Time) error {
	query := `
	UPDATE positions SET
		status = ?,
		exit_order_id = ?,
		exit_at = ?,
		auto_square_off_status = ?,
		exit_lease_until = NULL,
		exit_attempts = COALESCE(exit_attempts, 0) + 1,
		last_exit_error = NULL,
		updated_at = ?
	WHERE order_id = ? AND status = ?;`
	res, err := pm.tdb.DB().ExecContext(ctx, query,
		string(position.StatusClosed), exitOrderID, exitAt.UTC(), string(position.AutoSquareOffCompleted), exitAt.UTC(),
		orderID, string(position.StatusOpen),
	)
	if err != nil {
		return dbError("UPDATE", fmt.Sprintf("complete exit for %s", orderID), err)
	}
	return pm.requireOpenTransition(ctx, res, orderID)
}

// FailExit records the failed attempt and releases the claim.
func (pm *PositionManager) FailExit(ctx context.Context, orderID, reason string, at time.Time) error {
	query := `
	UPDATE positions SET
		auto_square_off_status = ?,
		exit_lease_until = NULL,
		exit_attempts = COALESCE(exit_attempts, 0) + 1,
		last_exit_error = ?,
		updated_at = ?
	WHERE order_id = ? AND status = ?;`
	res, err := pm.tdb.DB().ExecContext(ctx, query,
		string(position.AutoSquareOffFailed), reason, at.UTC(),
		orderID, string(position.StatusOpen),
	)
	if err != nil {
		return dbError("UPDATE", fmt.Sprintf("record failed exit for %s", orderID), err)
	}
	return pm.requireOpenTransition(ctx, res, orderID)
}

// MarkClosed transitions OPEN -> CLOSED after a confirmed fill.
func (pm *PositionManager) MarkClosed(ctx context.Context, orderID string, at time.Time) (bool, error) {
	query := `UPDATE positions SET status = ?, updated_at = ? WHERE order_id = ? AND status = ?;`
	res, err := pm.tdb.DB().ExecContext(ctx, query, string(position.StatusClosed), at.UTC(), orderID, string(position.StatusOpen))
	if err != nil {
		return false, dbError("UPDATE", fmt.Sprintf("mark %s closed", orderID), err)
	}
	return pm.affectedOrMissing(ctx, res, orderID)
}

// MarkExitPending flags an OPEN position whose exit task has been enqueued.
// A position with a live claim keeps IN_PROGRESS.
func (pm *PositionManager) MarkExitPending(ctx context.Context, orderID string, at time.Time) error {
	query := `
	UPDATE positions SET auto_square_off_status = ?, updated_at = ?
	WHERE order_id = ? AND status = ?
		AND (auto_square_off_status IS NULL OR auto_square_off_status <> ?);`
	res, err := pm.tdb.DB().ExecContext(ctx, query,
		string(position.AutoSquareOffPending), at.UTC(),
		orderID, string(position.StatusOpen), string(position.AutoSquareOffInProgress),
	)
	if err != nil {
		return dbError("UPDATE", fmt.Sprintf("mark exit pending for %s", orderID), err)
	}
	_, err = pm.affectedOrMissing(ctx, res, orderID)
	return err
}

// affectedOrMissing reports whether the update hit the row; a miss on an
// unknown order id is a not-found error.
func (pm *PositionManager) affectedOrMissing(ctx context.Context, res sql.Result, orderID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("UPDATE", "read affected rows", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := pm.FindByOrderID(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// requireOpenTransition turns a missed OPEN-only update into not-found or
// invalid-state.
func (pm *PositionManager) requireOpenTransition(ctx context.Context, res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("UPDATE", "read affected rows", err)
	}
	if n > 0 {
		return nil
	}
	p, err := pm.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	return &trade_exceptions.InvalidStateError{OrderID: orderID, Status: string(p.Status), Wanted: string(position.StatusOpen)}
}
