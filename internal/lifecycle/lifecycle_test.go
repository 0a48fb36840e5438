package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/tow-dispatch/internal/directory"
	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

type fakeGateway struct {
	mu        sync.Mutex
	offers    []models.Offer
	retracted []string // "driverID/requestID"
	assigned  []string // "requesterID/requestID/driverID"
	locations []string
}

func (f *fakeGateway) SendOffer(driverID string, offer models.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	return nil
}

func (f *fakeGateway) RetractOffer(driverID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, driverID+"/"+requestID)
	return nil
}

func (f *fakeGateway) NotifyAssigned(requesterID, requestID, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, requesterID+"/"+requestID+"/"+driverID)
	return nil
}

func (f *fakeGateway) BroadcastLocation(driverID string, loc models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, driverID)
	return nil
}

type eventRec struct {
	mu         sync.Mutex
	statuses   []string // "requestID:from>to"
	unmatched  []string
	assignedTo []string // "requestID:driverID"
}

func (e *eventRec) PublishStatusChanged(ctx context.Context, requestID string, from, to models.RequestStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, fmt.Sprintf("%s:%s>%s", requestID, from, to))
}

func (e *eventRec) PublishUnmatched(ctx context.Context, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unmatched = append(e.unmatched, requestID)
}

func (e *eventRec) PublishDriverAssigned(ctx context.Context, requestID, driverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assignedTo = append(e.assignedTo, requestID+":"+driverID)
}

type fakeHolder struct {
	mu       sync.Mutex
	held     []string
	captured []string
	released []string
}

func (f *fakeHolder) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("hold_%d", len(f.held)+1)
	f.held = append(f.held, id)
	return id, nil
}

func (f *fakeHolder) Capture(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, holdID)
	return nil
}

func (f *fakeHolder) Cancel(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, holdID)
	return nil
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	dir    *directory.Index
	gw     *fakeGateway
	events *eventRec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	dir := directory.NewIndex()
	gw := &fakeGateway{}
	events := &eventRec{}
	m := dispatch.NewMatcher(dir, gw, store, events, dispatch.Config{
		RoundSize: 10,
		MaxRounds: 3,
		OfferTTL:  time.Minute,
	}, logger)
	svc := NewService(store, dir, m, gw, events, logger)
	return &fixture{svc: svc, store: store, dir: dir, gw: gw, events: events}
}

func (f *fixture) addDriver(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	err := f.dir.Upsert(context.Background(), models.Driver{
		ID:        id,
		Loc:       models.Coord{Lat: lat, Lon: lon},
		Updated:   time.Now(),
		Available: true,
		Skills:    []string{"towing"},
	})
	if err != nil {
		t.Fatalf("add driver %s: %v", id, err)
	}
}

func (f *fixture) create(t *testing.T) *models.ServiceRequest {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), CreateParams{
		RequesterID: "u1",
		ServiceType: "towing",
		Loc:         models.Coord{Lat: 40.0, Lon: -75.0},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    CreateParams
		want error
	}{
		{"missing requester", CreateParams{ServiceType: "towing", Loc: models.Coord{Lat: 40, Lon: -75}}, ErrInvalidRequesterID},
		{"missing service type", CreateParams{RequesterID: "u1", Loc: models.Coord{Lat: 40, Lon: -75}}, ErrMissingServiceType},
		{"bad latitude", CreateParams{RequesterID: "u1", ServiceType: "towing", Loc: models.Coord{Lat: 95, Lon: -75}}, ErrInvalidPickupLocation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateRequest(ctx, tc.p); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateWithNoDriversGoesUnmatched(t *testing.T) {
	f := newFixture(t)
	req := f.create(t)
	if req.Status != models.StatusUnmatched {
		t.Fatalf("status = %s, want unmatched", req.Status)
	}
	// an unmatched request can still be closed out
	got, err := f.svc.CancelRequest(context.Background(), req.ID, "u1", models.RoleRequester)
	if err != nil {
		t.Fatalf("cancel of unmatched: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCreateOffersAndStatusOffered(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.0045, -75.0)
	f.addDriver(t, "d2", 40.018, -75.0)

	req := f.create(t)
	if req.Status != models.StatusOffered {
		t.Fatalf("status = %s, want offered", req.Status)
	}
	if len(f.gw.offers) != 2 {
		t.Fatalf("sent %d offers, want 2", len(f.gw.offers))
	}
	// nearest driver gets the first offer
	if f.gw.offers[0].DriverID != "d1" {
		t.Fatalf("first offer went to %s, want d1", f.gw.offers[0].DriverID)
	}
}

func TestAcceptOfferSingleWinner(t *testing.T) {
	f := newFixture(t)
	const n = 8
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		ids = append(ids, id)
		f.addDriver(t, id, 40.001+float64(i)*0.001, -75.0)
	}
	req := f.create(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	var winner string
	for _, id := range ids {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			got, err := f.svc.AcceptOffer(context.Background(), req.ID, driverID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				winner = driverID
				if got.AssignedDriver != driverID {
					t.Errorf("winner response names %s, not %s", got.AssignedDriver, driverID)
				}
			case errors.Is(err, ErrAlreadyAssigned):
				conflicts++
			default:
				t.Errorf("driver %s: unexpected error %v", driverID, err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, n-1)
	}
	cur, err := f.store.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != models.StatusAssigned || cur.AssignedDriver != winner {
		t.Fatalf("final state %s/%s, want assigned/%s", cur.Status, cur.AssignedDriver, winner)
	}
	// the winner holds the claim, everyone else was released
	for _, id := range ids {
		d, _ := f.dir.Get(context.Background(), id)
		if id == winner && d.AssignedRequest != req.ID {
			t.Fatalf("winner %s lost its claim: %q", id, d.AssignedRequest)
		}
		if id != winner && d.AssignedRequest != "" {
			t.Fatalf("loser %s still claimed by %q", id, d.AssignedRequest)
		}
	}
}

func TestAcceptIsIdempotentForWinner(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	got, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("duplicate accept by winner must succeed: %v", err)
	}
	if got.AssignedDriver != "d1" {
		t.Fatalf("assigned driver = %s, want d1", got.AssignedDriver)
	}
	d, _ := f.dir.Get(context.Background(), "d1")
	if d.AssignedRequest != req.ID {
		t.Fatalf("duplicate accept dropped the claim: %q", d.AssignedRequest)
	}
}

func TestAcceptAfterCancelRejected(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "u1", models.RoleRequester); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("got %v, want ErrRequestCancelled", err)
	}
}

func TestAcceptRevalidatesAvailability(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	// flag flips after the offer went out but before the accept lands
	if err := f.dir.SetAvailability(context.Background(), "d1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); !errors.Is(err, directory.ErrDriverUnavailable) {
		t.Fatalf("got %v, want ErrDriverUnavailable", err)
	}
	cur, _ := f.store.Get(context.Background(), req.ID)
	if cur.Status != models.StatusOffered {
		t.Fatalf("failed accept moved status to %s", cur.Status)
	}
}

func TestAcceptLosesToExpirySweep(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	// the sweep's conditional update lands between the offer check and the
	// acceptance commit
	if applied, err := f.store.Transition(context.Background(), req.ID, models.StatusOffered, models.StatusUnmatched); err != nil || !applied {
		t.Fatalf("park as unmatched: applied=%v err=%v", applied, err)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); !errors.Is(err, dispatch.ErrOfferExpired) {
		t.Fatalf("got %v, want ErrOfferExpired", err)
	}
	// the driver's claim was rolled back
	d, _ := f.dir.Get(context.Background(), "d1")
	if d.AssignedRequest != "" {
		t.Fatalf("driver still claimed by %q after losing to the sweep", d.AssignedRequest)
	}
}

func TestStartWorkOnlyByAssignedDriver(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	f.addDriver(t, "d2", 40.002, -75.0)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartWork(context.Background(), req.ID, "d2"); !errors.Is(err, ErrNotAssignedDriver) {
		t.Fatalf("got %v, want ErrNotAssignedDriver", err)
	}
	got, err := f.svc.StartWork(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("start by assigned driver: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestAcceptStartCompleteFlow(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	holder := &fakeHolder{}
	f.svc.SetPayments(holder)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	cur, _ := f.store.Get(context.Background(), req.ID)
	if cur.PaymentHoldID == "" {
		t.Fatal("no payment hold recorded on assignment")
	}
	if _, err := f.svc.StartWork(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.CompleteWork(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	// completion frees the driver and captures the hold
	d, _ := f.dir.Get(context.Background(), "d1")
	if d.AssignedRequest != "" {
		t.Fatalf("driver still claimed by %q after completion", d.AssignedRequest)
	}
	if len(holder.captured) != 1 || holder.captured[0] != cur.PaymentHoldID {
		t.Fatalf("captured %v, want [%s]", holder.captured, cur.PaymentHoldID)
	}

	// terminal requests reject further work reports
	if _, err := f.svc.StartWork(context.Background(), req.ID, "d1"); err == nil {
		t.Fatal("start after completion must fail")
	}
}

func TestCompleteOutOfOrderRejected(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	var te *InvalidTransitionError
	if _, err := f.svc.CompleteWork(context.Background(), req.ID, "d1"); !errors.As(err, &te) {
		t.Fatalf("complete before start: got %v, want InvalidTransitionError", err)
	}
	if te.From != models.StatusAssigned {
		t.Fatalf("conflict reports from=%s, want assigned", te.From)
	}
}

func TestCancelInProgressNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	holder := &fakeHolder{}
	f.svc.SetPayments(holder)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartWork(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "u1", models.RoleRequester); !errors.Is(err, ErrCannotCancelInProgress) {
		t.Fatalf("requester cancel of in_progress: got %v", err)
	}
	got, err := f.svc.CancelRequest(context.Background(), req.ID, "admin1", models.RoleAdmin)
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	d, _ := f.dir.Get(context.Background(), "d1")
	if d.AssignedRequest != "" {
		t.Fatalf("driver not released on cancel: %q", d.AssignedRequest)
	}
	if len(holder.released) != 1 {
		t.Fatalf("hold releases = %v, want one", holder.released)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "u1", models.RoleRequester); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.CancelRequest(context.Background(), req.ID, "u1", models.RoleRequester)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartWork(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CompleteWork(context.Background(), req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	var te *InvalidTransitionError
	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "admin1", models.RoleAdmin); !errors.As(err, &te) {
		t.Fatalf("cancel of completed: got %v, want InvalidTransitionError", err)
	}
}

func TestRedispatchOnlyFromUnmatched(t *testing.T) {
	f := newFixture(t)
	req := f.create(t) // no drivers, goes unmatched
	if req.Status != models.StatusUnmatched {
		t.Fatalf("precondition: status = %s", req.Status)
	}

	f.addDriver(t, "d1", 40.001, -75.0)
	got, err := f.svc.Redispatch(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if got.Status != models.StatusOffered {
		t.Fatalf("status = %s, want offered", got.Status)
	}

	var te *InvalidTransitionError
	if _, err := f.svc.Redispatch(context.Background(), req.ID); !errors.As(err, &te) {
		t.Fatalf("redispatch of offered request: got %v", err)
	}
}

func TestSetAvailabilityRetractsOffers(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)
	req := f.create(t)

	if err := f.svc.SetAvailability(context.Background(), "d1", false); err != nil {
		t.Fatal(err)
	}
	want := "d1/" + req.ID
	found := false
	for _, r := range f.gw.retracted {
		if r == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("offer not retracted, retractions = %v", f.gw.retracted)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), req.ID, "d1"); !errors.Is(err, dispatch.ErrNoOffer) {
		t.Fatalf("accept after retraction: got %v, want ErrNoOffer", err)
	}
}

func TestUpdateLocationBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "d1", 40.001, -75.0)

	if err := f.svc.UpdateLocation(context.Background(), "d1", models.Coord{Lat: 40.002, Lon: -75.0}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(f.gw.locations) != 1 || f.gw.locations[0] != "d1" {
		t.Fatalf("broadcasts = %v, want [d1]", f.gw.locations)
	}
	d, _ := f.dir.Get(context.Background(), "d1")
	if d.Loc.Lat != 40.002 {
		t.Fatalf("location not applied: %+v", d.Loc)
	}
}
