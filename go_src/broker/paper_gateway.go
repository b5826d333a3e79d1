package broker

import (
	"context"
	"fmt"
	"sync"

	"squareoff/go_src/position"

	"github.com/google/uuid"
)

// PaperOrder is an order accepted by the PaperGateway.
type PaperOrder struct {
	ID      string
	Request OrderRequest
}

// PaperGateway accepts every valid order and reports every known order as
// filled. Orders not placed through it can be marked filled with Fill.
type PaperGateway struct {
	mu     sync.Mutex
	orders []PaperOrder
	filled map[string]bool
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{filled: make(map[string]bool)}
}

func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	if req.Side != position.SideBuy && req.Side != position.SideSell {
		return Rejected(fmt.Sprintf("invalid side '%s'", req.Side)), nil
	}
	if req.Quantity <= 0 {
		return Rejected(fmt.Sprintf("invalid quantity %d", req.Quantity)), nil
	}

	id := uuid.NewString()
	g.mu.Lock()
	g.orders = append(g.orders, PaperOrder{ID: id, Request: req})
	g.filled[id] = true
	g.mu.Unlock()
	return Accepted(id), nil
}

func (g *PaperGateway) CheckOrderStatus(ctx context.Context, _ string, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filled[orderID], nil
}

// Fill marks an externally placed order as filled.
func (g *PaperGateway) Fill(orderID string) {
	g.mu.Lock()
	g.filled[orderID] = true
	g.mu.Unlock()
}

// Orders returns the orders placed so far.
func (g *PaperGateway) Orders() []PaperOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PaperOrder(nil), g.orders...)
}

var _ Gateway = (*PaperGateway)(nil)
