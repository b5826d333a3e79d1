package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// alpacaOrders is the part of *alpaca.Client the gateway uses.
type alpacaOrders interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
}

// AlpacaGateway routes exits through the Alpaca trading API. Accounts are
// fixed by the API key, so ClientCode is only logged.
type AlpacaGateway struct {
	client alpacaOrders
}

func NewAlpacaGateway(apiKey, apiSecret, baseURL string) *AlpacaGateway {
	return &AlpacaGateway{client: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})}
}

// call runs fn and gives up when ctx ends. The Alpaca client takes no
// context, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func alpacaSide(s position.Side) (alpaca.Side, error) {
	switch s {
	case position.SideBuy:
		return alpaca.Buy, nil
	case position.SideSell:
		return alpaca.Sell, nil
	}
	return "", fmt.Errorf("unsupported side '%s'", s)
}

func (g *AlpacaGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side, err := alpacaSide(req.Side)
	if err != nil {
		return Rejected(err.Error()), nil
	}
	qty := decimal.NewFromInt(req.Quantity)
	order, err := call(ctx, func() (*alpaca.Order, error) {
		return g.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      req.TradingSymbol,
			Qty:         &qty,
			Side:        side,
			Type:        alpaca.Market,
			TimeInForce: alpaca.Day,
		})
	})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return Rejected(apiErr.Error()), nil
		}
		return OrderResult{}, &trade_exceptions.OrderPlacementError{
			Message:      "alpaca place order failed",
			Reason:       "TRANSPORT",
			OrderDetails: map[string]interface{}{"symbol": req.TradingSymbol, "side": req.Side, "quantity": req.Quantity},
			Err:          err,
		}
	}
	if order == nil {
		return Accepted(""), nil
	}
	return Accepted(order.ID), nil
}

func (g *AlpacaGateway) CheckOrderStatus(ctx context.Context, account, orderID string) (bool, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return g.client.GetOrder(orderID) })
	if err != nil {
		return false, &trade_exceptions.OrderStatusError{OrderID: orderID, Account: account, Err: err}
	}
	return order != nil && strings.EqualFold(order.Status, "filled"), nil
}

var _ Gateway = (*AlpacaGateway)(nil)
