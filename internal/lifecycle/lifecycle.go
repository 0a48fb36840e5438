package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/example/tow-dispatch/internal/directory"
	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/payments"
	"github.com/example/tow-dispatch/internal/storage"
)

// Dispatcher is the slice of the matcher the lifecycle drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.ServiceRequest) error
	Claim(requestID, driverID string) (models.Offer, error)
	ResolveAccepted(ctx context.Context, requestID, winnerID string)
	Decline(ctx context.Context, requestID, driverID string)
	RetractDriver(ctx context.Context, driverID string)
	CancelRequest(ctx context.Context, requestID string)
}

// Gateway is the slice of the notification gateway the lifecycle uses.
type Gateway interface {
	NotifyAssigned(requesterID, requestID, driverID string) error
	RetractOffer(driverID, requestID string) error
	BroadcastLocation(driverID string, loc models.Coord) error
}

// Events receives lifecycle notifications, best-effort.
type Events interface {
	PublishStatusChanged(ctx context.Context, requestID string, from, to models.RequestStatus)
	PublishDriverAssigned(ctx context.Context, requestID, driverID string)
}

// Service owns every status transition of a service request. All transitions
// go through the store's conditional updates; nothing here reads a status and
// writes it back as two steps.
type Service struct {
	store    storage.RequestStore
	dir      directory.Directory
	matcher  Dispatcher
	gw       Gateway
	events   Events
	payments payments.Holder // nil when payments are not configured
	logger   *slog.Logger

	// HoldAmount/HoldCurrency parameterize the payment hold placed on
	// assignment. Fare computation is not this service's problem.
	HoldAmount   int64
	HoldCurrency string
}

func NewService(store storage.RequestStore, dir directory.Directory, matcher Dispatcher, gw Gateway, events Events, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		dir:          dir,
		matcher:      matcher,
		gw:           gw,
		events:       events,
		logger:       logger,
		HoldAmount:   5000,
		HoldCurrency: "usd",
	}
}

// SetPayments wires the optional payment boundary.
func (s *Service) SetPayments(p payments.Holder) { s.payments = p }

// CreateParams are the requester-supplied fields of a new request.
type CreateParams struct {
	RequesterID string       `json:"requester_id"`
	ServiceType string       `json:"service_type"`
	Loc         models.Coord `json:"loc"`
	Notes       string       `json:"notes"`
}

// CreateRequest validates, persists and dispatches a new service request.
// Validation failures reject the request before any state is written.
func (s *Service) CreateRequest(ctx context.Context, p CreateParams) (*models.ServiceRequest, error) {
	if p.RequesterID == "" {
		return nil, ErrInvalidRequesterID
	}
	if p.ServiceType == "" {
		return nil, ErrMissingServiceType
	}
	if !p.Loc.Valid() {
		return nil, ErrInvalidPickupLocation
	}

	now := time.Now()
	req := models.ServiceRequest{
		ID:          newID(),
		RequesterID: p.RequesterID,
		ServiceType: p.ServiceType,
		Loc:         p.Loc,
		Notes:       p.Notes,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, &req); err != nil {
		return nil, err
	}
	s.logger.Info("request created", "request_id", req.ID, "requester_id", req.RequesterID, "service_type", req.ServiceType)

	if err := s.matcher.Dispatch(ctx, req); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, req.ID)
}

// Redispatch reruns matching for a request that exhausted its rounds.
func (s *Service) Redispatch(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusUnmatched {
		return nil, &InvalidTransitionError{From: req.Status, To: models.StatusOffered}
	}
	if err := s.matcher.Dispatch(ctx, *req); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, requestID)
}

// AcceptOffer is the winning half of the first-acceptance race. The commit is
// a single conditional update: status==offered with no driver set flips to
// assigned with this driver, atomically. Every concurrent loser gets
// ErrAlreadyAssigned and mutates nothing. A duplicate accept from the driver
// who already won reports success, so at-least-once offer delivery is safe.
func (s *Service) AcceptOffer(ctx context.Context, requestID, driverID string) (*models.ServiceRequest, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case models.StatusCancelled:
		return nil, ErrRequestCancelled
	case models.StatusAssigned, models.StatusInProgress, models.StatusCompleted:
		if req.AssignedDriver == driverID {
			return req, nil
		}
		observability.AcceptConflicts.Inc()
		return nil, ErrAlreadyAssigned
	}

	// validates the offer is live and unexpired; a late accept after expiry
	// is rejected even if the sweep has not fired yet
	if _, err := s.matcher.Claim(requestID, driverID); err != nil {
		// the offer may have vanished because somebody else's acceptance
		// already resolved the dispatch; report what actually happened
		cur, gerr := s.store.Get(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		switch cur.Status {
		case models.StatusCancelled:
			return nil, ErrRequestCancelled
		case models.StatusAssigned, models.StatusInProgress, models.StatusCompleted:
			if cur.AssignedDriver == driverID {
				return cur, nil
			}
			observability.AcceptConflicts.Inc()
			return nil, ErrAlreadyAssigned
		}
		return nil, err
	}

	// re-validate availability at acceptance time; FindCandidates results
	// are eventually consistent and the flag may have flipped since
	if err := s.dir.Claim(ctx, driverID, requestID); err != nil {
		return nil, err
	}

	applied, err := s.store.Assign(ctx, requestID, driverID)
	if err != nil {
		_ = s.dir.Release(ctx, driverID, requestID)
		return nil, err
	}
	if !applied {
		cur, gerr := s.store.Get(ctx, requestID)
		if gerr != nil {
			_ = s.dir.Release(ctx, driverID, requestID)
			return nil, gerr
		}
		if cur.AssignedDriver == driverID {
			// lost a race against ourselves; the assignment stands
			return cur, nil
		}
		_ = s.dir.Release(ctx, driverID, requestID)
		if cur.Status == models.StatusCancelled {
			return nil, ErrRequestCancelled
		}
		if cur.Status == models.StatusUnmatched {
			// the expiry sweep parked the request between the offer check
			// and the commit; nobody is assigned
			return nil, dispatch.ErrOfferExpired
		}
		observability.AcceptConflicts.Inc()
		return nil, ErrAlreadyAssigned
	}

	observability.AcceptsTotal.Inc()
	s.matcher.ResolveAccepted(ctx, requestID, driverID)
	if err := s.gw.NotifyAssigned(req.RequesterID, requestID, driverID); err != nil {
		s.logger.Debug("assignment notice failed", "request_id", requestID, "error", err)
	}
	s.events.PublishStatusChanged(ctx, requestID, models.StatusOffered, models.StatusAssigned)
	s.events.PublishDriverAssigned(ctx, requestID, driverID)
	s.holdPayment(ctx, requestID, req.RequesterID)
	s.logger.Info("driver assigned", "request_id", requestID, "driver_id", driverID)

	return s.store.Get(ctx, requestID)
}

// DeclineOffer drops one driver's invitation. Declining twice, or declining
// an offer that already expired, has the same observable effect as declining
// once.
func (s *Service) DeclineOffer(ctx context.Context, requestID, driverID string) {
	s.matcher.Decline(ctx, requestID, driverID)
}

// StartWork moves an assigned request to in_progress. Only the assigned
// driver may report the start.
func (s *Service) StartWork(ctx context.Context, requestID, driverID string) (*models.ServiceRequest, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AssignedDriver != driverID {
		return nil, ErrNotAssignedDriver
	}
	applied, err := s.store.Transition(ctx, requestID, models.StatusAssigned, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if !applied {
		if err := s.transitionConflict(ctx, requestID, models.StatusInProgress); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, requestID)
	}
	s.events.PublishStatusChanged(ctx, requestID, models.StatusAssigned, models.StatusInProgress)
	return s.store.Get(ctx, requestID)
}

// CompleteWork finishes an in-progress request. driverID may be empty for a
// system-reported completion.
func (s *Service) CompleteWork(ctx context.Context, requestID, driverID string) (*models.ServiceRequest, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if driverID != "" && req.AssignedDriver != driverID {
		return nil, ErrNotAssignedDriver
	}
	applied, err := s.store.Transition(ctx, requestID, models.StatusInProgress, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	if !applied {
		if err := s.transitionConflict(ctx, requestID, models.StatusCompleted); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, requestID)
	}
	if req.AssignedDriver != "" {
		_ = s.dir.Release(ctx, req.AssignedDriver, requestID)
	}
	s.events.PublishStatusChanged(ctx, requestID, models.StatusInProgress, models.StatusCompleted)
	s.capturePayment(ctx, requestID, req.PaymentHoldID)
	s.logger.Info("request completed", "request_id", requestID, "driver_id", req.AssignedDriver)
	return s.store.Get(ctx, requestID)
}

// CancelRequest cancels a non-terminal request. Requesters may cancel until
// work starts; an in_progress request needs the admin role. Outstanding
// offers for a cancelled request are retracted; a racing late acceptance is
// rejected at its own commit.
func (s *Service) CancelRequest(ctx context.Context, requestID, actorID, role string) (*models.ServiceRequest, error) {
	var prev models.RequestStatus
	for attempt := 0; ; attempt++ {
		req, err := s.store.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			if req.Status == models.StatusCancelled {
				// cancel is idempotent
				return req, nil
			}
			return nil, &InvalidTransitionError{From: req.Status, To: models.StatusCancelled}
		}
		if req.Status == models.StatusInProgress && role != models.RoleAdmin {
			return nil, ErrCannotCancelInProgress
		}
		applied, err := s.store.Transition(ctx, requestID, req.Status, models.StatusCancelled)
		if err != nil {
			return nil, err
		}
		if applied {
			prev = req.Status
			break
		}
		if attempt == 2 {
			cur, _ := s.store.Get(ctx, requestID)
			if cur != nil {
				return nil, &InvalidTransitionError{From: cur.Status, To: models.StatusCancelled}
			}
			return nil, storage.ErrNotFound
		}
		// status moved under us; re-read and re-validate
	}

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.matcher.CancelRequest(ctx, requestID)
	if req.AssignedDriver != "" {
		_ = s.dir.Release(ctx, req.AssignedDriver, requestID)
		if err := s.gw.RetractOffer(req.AssignedDriver, requestID); err != nil {
			s.logger.Debug("cancel notice failed", "request_id", requestID, "driver_id", req.AssignedDriver, "error", err)
		}
	}
	s.events.PublishStatusChanged(ctx, requestID, prev, models.StatusCancelled)
	s.releasePayment(ctx, requestID, req.PaymentHoldID)
	s.logger.Info("request cancelled", "request_id", requestID, "actor_id", actorID, "role", role)
	return req, nil
}

// SetAvailability flips a driver's flag. Going unavailable immediately voids
// the driver's unresolved offers.
func (s *Service) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if err := s.dir.SetAvailability(ctx, driverID, available); err != nil {
		return err
	}
	if available {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
		s.matcher.RetractDriver(ctx, driverID)
	}
	return nil
}

// UpdateLocation records a position fix and rebroadcasts it to watchers.
// Stale fixes are absorbed by the directory's last-write-wins rule.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := s.dir.UpsertLocation(ctx, driverID, c, ts); err != nil {
		return err
	}
	if err := s.gw.BroadcastLocation(driverID, c); err != nil {
		s.logger.Debug("location broadcast failed", "driver_id", driverID, "error", err)
	}
	return nil
}

// transitionConflict turns a failed conditional update into the right error
// for the caller: cancelled requests get ErrRequestCancelled, everything else
// an InvalidTransitionError naming the actual current status.
func (s *Service) transitionConflict(ctx context.Context, requestID string, to models.RequestStatus) error {
	cur, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if cur.Status == models.StatusCancelled {
		return ErrRequestCancelled
	}
	if cur.Status == to {
		// duplicate report of the same transition
		return nil
	}
	return &InvalidTransitionError{From: cur.Status, To: to}
}

func (s *Service) holdPayment(ctx context.Context, requestID, requesterID string) {
	if s.payments == nil {
		return
	}
	holdID, err := s.payments.Hold(ctx, s.HoldAmount, s.HoldCurrency, requesterID)
	if err != nil {
		s.logger.Warn("payment hold failed", "request_id", requestID, "error", err)
		return
	}
	if err := s.store.SetPaymentHold(ctx, requestID, holdID); err != nil {
		s.logger.Warn("payment hold not recorded", "request_id", requestID, "error", err)
	}
}

func (s *Service) capturePayment(ctx context.Context, requestID, holdID string) {
	if s.payments == nil || holdID == "" {
		return
	}
	if err := s.payments.Capture(ctx, holdID); err != nil {
		s.logger.Warn("payment capture failed", "request_id", requestID, "error", err)
	}
}

func (s *Service) releasePayment(ctx context.Context, requestID, holdID string) {
	if s.payments == nil || holdID == "" {
		return
	}
	if err := s.payments.Cancel(ctx, holdID); err != nil {
		s.logger.Warn("payment release failed", "request_id", requestID, "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
