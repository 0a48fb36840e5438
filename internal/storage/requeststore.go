package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// ErrNotFound is returned for operations on an unknown request id.
var ErrNotFound = errors.New("request not found")

// RequestStore persists service requests. The conditional operations are the
// store's concurrency primitive: each one compares current state and applies
// the update as a single indivisible step, returning whether it applied.
// Callers never read-then-write status.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)

	// Transition moves the request from exactly `from` to `to`. Returns
	// (false, nil) when the current status is not `from`.
	Transition(ctx context.Context, id string, from, to models.RequestStatus) (bool, error)

	// Assign sets the driver and status=assigned only if the request is
	// currently offered with no driver set. Returns (false, nil) when the
	// precondition does not hold.
	Assign(ctx context.Context, id, driverID string) (bool, error)

	// SetPaymentHold records the payment hold reference after assignment.
	SetPaymentHold(ctx context.Context, id, holdID string) error
}

// MemoryStore is the in-process RequestStore used in tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.ServiceRequest)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to models.RequestStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Assign(ctx context.Context, id, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusOffered || r.AssignedDriver != "" {
		return false, nil
	}
	r.Status = models.StatusAssigned
	r.AssignedDriver = driverID
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SetPaymentHold(ctx context.Context, id, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentHoldID = holdID
	return nil
}
