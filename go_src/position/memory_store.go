package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"squareoff/go_src/trade_exceptions"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by the paper setup and by tests.
// Records are copied in and out so callers never share state with the map.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]Position
}

// NewMemoryStore returns a MemoryStore seeded with the given positions.
func NewMemoryStore(seed ...Position) *MemoryStore {
	s := &MemoryStore{positions: make(map[string]Position, len(seed))}
	for _, p := range seed {
		s.positions[p.OrderID] = clonePosition(p)
	}
	return s
}

func clonePosition(p Position) Position {
	if p.ExitAt != nil {
		t := *p.ExitAt
		p.ExitAt = &t
	}
	if p.ExitLeaseUntil != nil {
		t := *p.ExitLeaseUntil
		p.ExitLeaseUntil = &t
	}
	return p
}

func notFound(orderID string) error {
	return &trade_exceptions.PositionNotFoundException{OrderID: orderID}
}

func (s *MemoryStore) FindByOrderID(_ context.Context, orderID string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return nil, notFound(orderID)
	}
	cp := clonePosition(p)
	return &cp, nil
}

func (s *MemoryStore) FindAllOpen(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []Position
	for _, p := range s.positions {
		if p.Status == StatusOpen {
			open = append(open, clonePosition(p))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open, nil
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.OrderID]; ok {
		return &trade_exceptions.DatabaseOperationException{Operation: "INSERT", Message: "position " + p.OrderID + " already exists"}
	}
	cp := clonePosition(*p)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.positions[p.OrderID] = cp
	return nil
}

func (s *MemoryStore) Save(_ context.Context, p *Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.positions[p.OrderID]; ok && cur.Status == StatusClosed && p.Status != StatusClosed {
		return &trade_exceptions.InvalidStateError{OrderID: p.OrderID, Status: string(cur.Status), Wanted: string(StatusOpen)}
	}
	cp := clonePosition(*p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.positions[p.OrderID] = cp
	return nil
}

func (s *MemoryStore) ClaimExit(_ context.Context, orderID string, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return false, notFound(orderID)
	}
	if p.Status != StatusOpen {
		return false, nil
	}
	if p.AutoSquareOffStatus == AutoSquareOffInProgress && p.ExitLeaseUntil != nil && !p.ExitLeaseUntil.Before(now) {
		return false, nil
	}
	p.AutoSquareOffStatus = AutoSquareOffInProgress
	lease := leaseUntil
	p.ExitLeaseUntil = &lease
	p.UpdatedAt = now
	s.positions[orderID] = p
	return true, nil
}

func (s *MemoryStore) CompleteExit(_ context.Context, orderID, exitOrderID string, exitAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return notFound(orderID)
	}
	if p.Status != StatusOpen {
		return &trade_exceptions.InvalidStateError{OrderID: orderID, Status: string(p.Status), Wanted: string(StatusOpen)}
	}
	at := exitAt
	p.Status = StatusClosed
	p.ExitOrderID = exitOrderID
	p.ExitAt = &at
	p.AutoSquareOffStatus = AutoSquareOffCompleted
	p.ExitLeaseUntil = nil
	p.ExitAttempts++
	p.LastExitError = ""
	p.UpdatedAt = exitAt
	s.positions[orderID] = p
	return nil
}

func (s *MemoryStore) FailExit(_ context.Context, orderID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return notFound(orderID)
	}
	if p.Status != StatusOpen {
		return &trade_exceptions.InvalidStateError{OrderID: orderID, Status: string(p.Status), Wanted: string(StatusOpen)}
	}
	p.AutoSquareOffStatus = AutoSquareOffFailed
	p.ExitLeaseUntil = nil
	p.ExitAttempts++
	p.LastExitError = reason
	p.UpdatedAt = at
	s.positions[orderID] = p
	return nil
}

func (s *MemoryStore) MarkClosed(_ context.Context, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return false, notFound(orderID)
	}
	if p.Status != StatusOpen {
		return false, nil
	}
	p.Status = StatusClosed
	p.UpdatedAt = at
	s.positions[orderID] = p
	return true, nil
}

func (s *MemoryStore) MarkExitPending(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[orderID]
	if !ok {
		return notFound(orderID)
	}
	if p.Status != StatusOpen || p.AutoSquareOffStatus == AutoSquareOffInProgress {
		return nil
	}
	p.AutoSquareOffStatus = AutoSquareOffPending
	p.UpdatedAt = at
	s.positions[orderID] = p
	return nil
}
