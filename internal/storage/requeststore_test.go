package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/tow-dispatch/internal/models"
)

func newReq(id string, status models.RequestStatus) *models.ServiceRequest {
	return &models.ServiceRequest{
		ID:          id,
		RequesterID: "u1",
		ServiceType: "towing",
		Loc:         models.Coord{Lat: 40, Lon: -75},
		Status:      status,
	}
}

func TestGetUnknownID(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, newReq("r1", models.StatusPending)); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get(ctx, "r1")
	a.Status = models.StatusCompleted
	b, _ := s.Get(ctx, "r1")
	if b.Status != models.StatusPending {
		t.Fatal("mutating a returned request leaked into the store")
	}
}

func TestTransitionRequiresExactFrom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, newReq("r1", models.StatusPending)); err != nil {
		t.Fatal(err)
	}

	applied, err := s.Transition(ctx, "r1", models.StatusOffered, models.StatusAssigned)
	if err != nil || applied {
		t.Fatalf("wrong-from transition: applied=%v err=%v", applied, err)
	}
	applied, err = s.Transition(ctx, "r1", models.StatusPending, models.StatusOffered)
	if err != nil || !applied {
		t.Fatalf("valid transition: applied=%v err=%v", applied, err)
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusOffered {
		t.Fatalf("status = %s, want offered", r.Status)
	}
}

func TestAssignPrecondition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, newReq("r1", models.StatusPending)); err != nil {
		t.Fatal(err)
	}

	// not offered yet
	applied, err := s.Assign(ctx, "r1", "d1")
	if err != nil || applied {
		t.Fatalf("assign of pending: applied=%v err=%v", applied, err)
	}

	if _, err := s.Transition(ctx, "r1", models.StatusPending, models.StatusOffered); err != nil {
		t.Fatal(err)
	}
	applied, err = s.Assign(ctx, "r1", "d1")
	if err != nil || !applied {
		t.Fatalf("assign of offered: applied=%v err=%v", applied, err)
	}

	// already has a driver
	applied, err = s.Assign(ctx, "r1", "d2")
	if err != nil || applied {
		t.Fatalf("second assign: applied=%v err=%v", applied, err)
	}
	r, _ := s.Get(ctx, "r1")
	if r.AssignedDriver != "d1" || r.Status != models.StatusAssigned {
		t.Fatalf("final state %s/%s", r.Status, r.AssignedDriver)
	}
}

func TestAssignConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, newReq("r1", models.StatusOffered)); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.Assign(ctx, "r1", "d")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			if applied {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestSetPaymentHold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, newReq("r1", models.StatusAssigned)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPaymentHold(ctx, "r1", "pi_123"); err != nil {
		t.Fatal(err)
	}
	r, _ := s.Get(ctx, "r1")
	if r.PaymentHoldID != "pi_123" {
		t.Fatalf("hold = %q, want pi_123", r.PaymentHoldID)
	}
	if err := s.SetPaymentHold(ctx, "missing", "pi_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
