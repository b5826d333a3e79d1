package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"squareoff/go_src/database"
	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAt(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 45, 0, 0, time.FixedZone("IST", 19800))
	got, err := parseAt("", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
	assert.Equal(t, time.UTC, got.Location())

	got, err = parseAt("2026-03-02T15:15:00+05:30", now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T09:45:00Z", got.Format(time.RFC3339))

	_, err = parseAt("15:15", now)
	assert.Error(t, err)
}

func TestDecodePositions(t *testing.T) {
	one := `{"order_id":"A1","client_code":"C001","trading_symbol":"SBIN-EQ","exchange":"NSE","side":"buy","quantity":50}`
	list, err := decodePositions([]byte(one), ".json")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A1", list[0].OrderID)

	list, err = decodePositions([]byte("["+one+","+strings.Replace(one, "A1", "A2", 1)+"]"), ".json")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	yamlList := "- order_id: Y1\n  client_code: C001\n  trading_symbol: INFY-EQ\n  exchange: NSE\n  side: SELL\n  quantity: 3\n"
	list, err = decodePositions([]byte(yamlList), ".yaml")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, position.SideSell, list[0].Side)

	_, err = decodePositions([]byte("{not json"), ".json")
	assert.Error(t, err)
}

func TestRecordPositions_MemoryStore(t *testing.T) {
	store := position.NewMemoryStore()
	n, err := recordPositions(context.Background(), store, []position.Position{
		{OrderID: "A1", ClientCode: "C001", TradingSymbol: "SBIN-EQ", Exchange: "NSE", Side: "buy", Quantity: 50},
		{OrderID: "A2", ClientCode: "C001", TradingSymbol: "SBIN-EQ", Exchange: "NSE", Side: "SELL", Quantity: 0},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	p, err := store.FindByOrderID(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, position.SideBuy, p.Side)
	assert.Equal(t, position.StatusOpen, p.Status)
}

func TestRecordPositions_DoesNotReopenClosed(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	a1 := position.Position{OrderID: "A1", ClientCode: "C001", TradingSymbol: "SBIN-EQ", Exchange: "NSE", Side: "BUY", Quantity: 50}

	_, err := recordPositions(ctx, store, []position.Position{a1})
	require.NoError(t, err)
	require.NoError(t, store.CompleteExit(ctx, "A1", "X9", time.Now().UTC()))

	n, err := recordPositions(ctx, store, []position.Position{a1})
	assert.ErrorIs(t, err, trade_exceptions.ErrStore)
	assert.Equal(t, 0, n)

	p, err := store.FindByOrderID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, p.Status)
	assert.Equal(t, "X9", p.ExitOrderID)
}

func TestRecordFile_DuckDBRejectsDuplicates(t *testing.T) {
	tdb, err := database.OpenInMemory(context.Background())
	require.NoError(t, err)
	defer tdb.Close()
	pm := database.NewPositionManager(tdb)
	require.NoError(t, pm.CreateSchemaPositions())

	path := filepath.Join(t.TempDir(), "positions.json")
	body := `[{"order_id":"A1","client_code":"C001","trading_symbol":"SBIN-EQ","exchange":"NSE","side":"BUY","quantity":50}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	n, err := recordFile(context.Background(), pm, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = recordFile(context.Background(), pm, path)
	assert.ErrorIs(t, err, trade_exceptions.ErrStore)
}

func TestPrintStatus(t *testing.T) {
	exitAt := time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)
	store := position.NewMemoryStore(
		position.Position{OrderID: "A1", Status: position.StatusOpen},
		position.Position{
			OrderID: "B1", Status: position.StatusClosed,
			AutoSquareOffStatus: position.AutoSquareOffCompleted,
			ExitOrderID:         "X9", ExitAt: &exitAt, ExitAttempts: 1,
		},
	)

	var buf bytes.Buffer
	require.NoError(t, printStatus(context.Background(), store, "A1", &buf))
	assert.Equal(t, "order=A1 status=OPEN auto_square_off=- exit_order=- exit_at=- attempts=0\n", buf.String())

	buf.Reset()
	require.NoError(t, printStatus(context.Background(), store, "B1", &buf))
	assert.Equal(t, "order=B1 status=CLOSED auto_square_off=COMPLETED exit_order=X9 exit_at=2026-03-02T09:45:00Z attempts=1\n", buf.String())

	err := printStatus(context.Background(), store, "missing", &buf)
	assert.ErrorIs(t, err, trade_exceptions.ErrPositionNotFound)
}
