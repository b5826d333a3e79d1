// Package broker issues exit orders and fill-status queries against the
// trading venue. Gateway is the only surface the jobs depend on.
package broker

import (
	"context"
	"fmt"
	"time"

	"squareoff/go_src/configuration"
	"squareoff/go_src/position"
	"squareoff/go_src/trade_exceptions"
)

// OrderRequest is the normalised exit order sent to a venue.
type OrderRequest struct {
	ClientCode    string
	TradingSymbol string
	SymbolToken   string
	Exchange      string
	Side          position.Side
	Quantity      int64
	OrderType     string // MARKET
	ProductType   string
	Variety       string
	Duration      string
}

// OrderResult is the tagged outcome of PlaceOrder. OK with an empty OrderID
// means the venue accepted the order without returning an id.
type OrderResult struct {
	OK      bool
	OrderID string
	Error   string
}

// Accepted builds a successful result.
func Accepted(orderID string) OrderResult { return OrderResult{OK: true, OrderID: orderID} }

// Rejected builds a failed result.
func Rejected(reason string) OrderResult { return OrderResult{OK: false, Error: reason} }

// Gateway is implemented by every venue adapter. A returned error means the
// call itself failed (transport, timeout, malformed response); a venue
// rejection comes back as OrderResult{OK: false}.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CheckOrderStatus(ctx context.Context, account, orderID string) (bool, error)
}

// timedGateway bounds every call by a fixed timeout.
type timedGateway struct {
	inner   Gateway
	timeout time.Duration
}

// WithTimeout wraps g so that each call runs under context.WithTimeout.
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return g
	}
	return &timedGateway{inner: g, timeout: timeout}
}

func (t *timedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.PlaceOrder(ctx, req)
}

func (t *timedGateway) CheckOrderStatus(ctx context.Context, account, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.CheckOrderStatus(ctx, account, orderID)
}

// NewGateway builds the gateway selected by broker.type, wrapped with the
// configured timeout.
func NewGateway(cfg *configuration.Config) (Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	timeout := time.Duration(cfg.Broker.TimeoutSeconds) * time.Second

	var g Gateway
	switch cfg.Broker.Type {
	case "rest":
		client, err := NewClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, StaticTokens(cfg.Broker.ClientTokens), timeout)
		if err != nil {
			return nil, err
		}
		g = NewRestGateway(client)
	case "alpaca":
		g = NewAlpacaGateway(cfg.Broker.AlpacaKey, cfg.Broker.AlpacaSecret, cfg.Broker.AlpacaBaseURL)
	case "paper", "":
		g = NewPaperGateway()
	default:
		return nil, &trade_exceptions.ConfigurationError{Message: fmt.Sprintf("unknown broker type '%s'", cfg.Broker.Type), Key: "broker.type"}
	}
	return WithTimeout(g, timeout), nil
}
