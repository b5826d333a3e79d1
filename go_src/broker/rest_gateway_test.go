package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *RestGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, "pk-test", StaticTokens{"C001": "tok-1"}, 2*time.Second)
	require.NoError(t, err)
	return NewRestGateway(client)
}

func exitRequest() OrderRequest {
	return OrderRequest{
		ClientCode:    "C001",
		TradingSymbol: "SBIN-EQ",
		SymbolToken:   "3045",
		Exchange:      "NSE",
		Side:          position.SideSell,
		Quantity:      50,
		OrderType:     position.OrderTypeMarket,
		ProductType:   position.DefaultExitProductType,
		Variety:       position.VarietyNormal,
		Duration:      position.DurationDay,
	}
}

func TestRestGateway_PlaceOrder_Success(t *testing.T) {
	var got placeOrderBody
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, placeOrderPath, r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "pk-test", r.Header.Get("X-PrivateKey"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":{"script":"SBIN-EQ","orderid":"X9"}}`))
	})

	res, err := g.PlaceOrder(context.Background(), exitRequest())
	require.NoError(t, err)
	assert.Equal(t, OrderResult{OK: true, OrderID: "X9"}, res)
	assert.Equal(t, "SELL", got.TransactionType)
	assert.Equal(t, "50", got.Quantity)
	assert.Equal(t, "MARKET", got.OrderType)
	assert.Equal(t, "INTRADAY", got.ProductType)
	assert.Equal(t, "NORMAL", got.Variety)
	assert.Equal(t, "DAY", got.Duration)
	assert.Equal(t, "3045", got.SymbolToken)
}

func TestRestGateway_PlaceOrder_MissingOrderID(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":true,"message":"SUCCESS","data":null}`))
	})
	res, err := g.PlaceOrder(context.Background(), exitRequest())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.OrderID)
}

func TestRestGateway_PlaceOrder_VenueRejects(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`))
	})
	res, err := g.PlaceOrder(context.Background(), exitRequest())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "AG8001")
}

func TestRestGateway_PlaceOrder_ClientError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":false,"message":"Invalid quantity","errorcode":"AB1004"}`))
	})
	res, err := g.PlaceOrder(context.Background(), exitRequest())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "Invalid quantity")
}

func TestRestGateway_PlaceOrder_ServerError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := g.PlaceOrder(context.Background(), exitRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, trade_exceptions.ErrGateway))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Code)
}

func TestRestGateway_PlaceOrder_UnknownClient(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a token")
	})
	req := exitRequest()
	req.ClientCode = "C404"
	_, err := g.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token configured for client C404")
}

func TestRestGateway_RetriesOnceOn429(t *testing.T) {
	var calls int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"status":true,"data":{"orderid":"X10"}}`))
	})
	res, err := g.PlaceOrder(context.Background(), exitRequest())
	require.NoError(t, err)
	assert.Equal(t, "X10", res.OrderID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRestGateway_Timeout(t *testing.T) {
	release := make(chan struct{})
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	timed := WithTimeout(g, 50*time.Millisecond)
	_, err := timed.PlaceOrder(context.Background(), exitRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRestGateway_CheckOrderStatus(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch {
		case strings.HasSuffix(r.URL.Path, "/B1"):
			w.Write([]byte(`{"status":true,"data":{"orderid":"B1","orderstatus":"complete"}}`))
		case strings.HasSuffix(r.URL.Path, "/B2"):
			w.Write([]byte(`{"status":true,"data":{"orderid":"B2","orderstatus":"open"}}`))
		case strings.HasSuffix(r.URL.Path, "/B3"):
			w.Write([]byte(`{"status":false,"message":"Order not found","errorcode":"AB2001"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	ctx := context.Background()

	filled, err := g.CheckOrderStatus(ctx, "C001", "B1")
	require.NoError(t, err)
	assert.True(t, filled)

	filled, err = g.CheckOrderStatus(ctx, "C001", "B2")
	require.NoError(t, err)
	assert.False(t, filled)

	_, err = g.CheckOrderStatus(ctx, "C001", "B3")
	assert.ErrorIs(t, err, trade_exceptions.ErrGateway)

	_, err = g.CheckOrderStatus(ctx, "C001", "B4")
	var se *trade_exceptions.OrderStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "B4", se.OrderID)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "", StaticTokens{}, time.Second)
	assert.Error(t, err)
	_, err = NewClient("http://localhost", "", nil, time.Second)
	assert.Error(t, err)
}

func TestNewAPIError(t *testing.T) {
	e := NewAPIError(400, "400 Bad Request", `{"status":false,"message":"Invalid order","errorcode":"AB1008"}`)
	assert.Equal(t, "AB1008", e.ErrorCode)
	assert.Contains(t, e.Error(), "Invalid order")
	assert.False(t, e.Temporary())

	raw := NewAPIError(503, "503 Service Unavailable", strings.Repeat("x", 150))
	assert.True(t, raw.Temporary())
	assert.Contains(t, raw.Error(), "...")
}
