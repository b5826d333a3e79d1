package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPositionManagerTest(t *testing.T) (*PositionManager, func()) {
	t.Helper()
	tdb, cleanup := setupTestDB(t)
	pm := NewPositionManager(tdb)
	if err := pm.CreateSchemaPositions(); err != nil {
		cleanup()
		t.Fatalf("Failed to create positions schema: %v", err)
	}
	return pm, cleanup
}

func openPosition(orderID string) *position.Position {
	return &position.Position{
		OrderID:       orderID,
		ClientCode:    "C001",
		TradingSymbol: "SBIN-EQ",
		SymbolToken:   "3045",
		Exchange:      "NSE",
		Side:          position.SideBuy,
		Quantity:      10,
		ProductType:   "INTRADAY",
		Status:        position.StatusOpen,
	}
}

func TestPositionManager_CreateSchema(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()

	var tableName string
	err := pm.tdb.DB().QueryRow("SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' AND table_name = 'positions';").Scan(&tableName)
	require.NoError(t, err)
	assert.Equal(t, "positions", tableName)

	// Idempotent.
	require.NoError(t, pm.CreateSchemaPositions())
}

func TestPositionManager_InsertAndFind(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	p := openPosition("A1")
	p.Side = "buy"
	require.NoError(t, pm.InsertPosition(ctx, p))

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.SideBuy, got.Side)
	assert.Equal(t, position.StatusOpen, got.Status)
	assert.Equal(t, int64(10), got.Quantity)
	assert.Equal(t, "3045", got.SymbolToken)
	assert.Equal(t, position.AutoSquareOffNone, got.AutoSquareOffStatus)
	assert.Nil(t, got.ExitAt)
	assert.Nil(t, got.ExitLeaseUntil)
	assert.False(t, got.CreatedAt.IsZero())

	err = pm.InsertPosition(ctx, openPosition("A1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, trade_exceptions.ErrStore))
}

func TestPositionManager_InsertInvalid(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()

	p := openPosition("bad")
	p.Quantity = 0
	assert.Error(t, pm.InsertPosition(context.Background(), p))
	assert.Error(t, pm.InsertPosition(context.Background(), nil))
}

func TestPositionManager_FindByOrderID_NotFound(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()

	_, err := pm.FindByOrderID(context.Background(), "missing")
	var nf *trade_exceptions.PositionNotFoundException
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.OrderID)
}

func TestPositionManager_FindAllOpen(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"C3", "A1", "B2"} {
		require.NoError(t, pm.InsertPosition(ctx, openPosition(id)))
	}
	closed := openPosition("Z9")
	closed.Status = position.StatusClosed
	require.NoError(t, pm.InsertPosition(ctx, closed))

	open, err := pm.FindAllOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, []string{"A1", "B2", "C3"}, []string{open[0].OrderID, open[1].OrderID, open[2].OrderID})
}

func TestPositionManager_SaveUpserts(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	p := openPosition("A1")
	require.NoError(t, pm.Save(ctx, p))
	created := p.CreatedAt

	p.Quantity = 25
	p.ExitAttempts = 2
	p.LastExitError = "rejected"
	require.NoError(t, pm.Save(ctx, p))

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Quantity)
	assert.Equal(t, 2, got.ExitAttempts)
	assert.Equal(t, "rejected", got.LastExitError)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
}

func TestPositionManager_SaveDoesNotReopenClosed(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))
	require.NoError(t, pm.CompleteExit(ctx, "A1", "X9", time.Now().UTC()))

	err := pm.Save(ctx, openPosition("A1"))
	assert.ErrorIs(t, err, trade_exceptions.ErrInvalidState)

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, got.Status)
	assert.Equal(t, "X9", got.ExitOrderID)
}

func TestPositionManager_ClaimExit(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))

	now := time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)
	ok, err := pm.ClaimExit(ctx, "A1", now, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.AutoSquareOffInProgress, got.AutoSquareOffStatus)
	require.NotNil(t, got.ExitLeaseUntil)
	assert.True(t, got.ExitLeaseUntil.Equal(now.Add(2*time.Minute)))

	ok, err = pm.ClaimExit(ctx, "A1", now.Add(time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second claim")

	ok, err = pm.ClaimExit(ctx, "A1", now.Add(5*time.Minute), now.Add(7*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be reclaimed")

	_, err = pm.ClaimExit(ctx, "missing", now, now)
	assert.ErrorIs(t, err, trade_exceptions.ErrPositionNotFound)
}

func TestPositionManager_ClaimExitConcurrent(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))

	now := time.Now().UTC()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := pm.ClaimExit(ctx, "A1", now, now.Add(time.Minute))
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestPositionManager_ClaimExitOnClosed(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	p := openPosition("X9")
	p.Status = position.StatusClosed
	require.NoError(t, pm.InsertPosition(ctx, p))

	ok, err := pm.ClaimExit(ctx, "X9", time.Now(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionManager_CompleteExit(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))

	now := time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)
	_, err := pm.ClaimExit(ctx, "A1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, pm.CompleteExit(ctx, "A1", "E77", now))

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, got.Status)
	assert.Equal(t, "E77", got.ExitOrderID)
	assert.Equal(t, position.AutoSquareOffCompleted, got.AutoSquareOffStatus)
	require.NotNil(t, got.ExitAt)
	assert.True(t, got.ExitAt.Equal(now))
	assert.Nil(t, got.ExitLeaseUntil)
	assert.Equal(t, 1, got.ExitAttempts)

	err = pm.CompleteExit(ctx, "A1", "E78", now)
	var ise *trade_exceptions.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "CLOSED", ise.Status)

	assert.ErrorIs(t, pm.CompleteExit(ctx, "missing", "E1", now), trade_exceptions.ErrPositionNotFound)
}

func TestPositionManager_FailExit(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))

	now := time.Now().UTC()
	_, err := pm.ClaimExit(ctx, "A1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, pm.FailExit(ctx, "A1", "broker rejected", now))

	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusOpen, got.Status)
	assert.Equal(t, position.AutoSquareOffFailed, got.AutoSquareOffStatus)
	assert.Nil(t, got.ExitLeaseUntil)
	assert.Equal(t, 1, got.ExitAttempts)
	assert.Equal(t, "broker rejected", got.LastExitError)

	// The released claim can be taken again right away.
	ok, err := pm.ClaimExit(ctx, "A1", now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPositionManager_MarkClosed(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("B1")))

	ok, err := pm.MarkClosed(ctx, "B1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pm.MarkClosed(ctx, "B1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "CLOSED is terminal")

	_, err = pm.MarkClosed(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, trade_exceptions.ErrPositionNotFound)
}

func TestPositionManager_MarkExitPending(t *testing.T) {
	pm, cleanup := setupPositionManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A1")))
	require.NoError(t, pm.InsertPosition(ctx, openPosition("A2")))

	require.NoError(t, pm.MarkExitPending(ctx, "A1", time.Now()))
	got, err := pm.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.AutoSquareOffPending, got.AutoSquareOffStatus)

	now := time.Now().UTC()
	_, err = pm.ClaimExit(ctx, "A2", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, pm.MarkExitPending(ctx, "A2", now))
	got, err = pm.FindByOrderID(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, position.AutoSquareOffInProgress, got.AutoSquareOffStatus)

	assert.ErrorIs(t, pm.MarkExitPending(ctx, "missing", now), trade_exceptions.ErrPositionNotFound)
}
