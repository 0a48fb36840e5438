package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/eta"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

var (
	// ErrNoOffer is returned when claiming an offer that was never issued or
	// was already resolved.
	ErrNoOffer = errors.New("no outstanding offer")

	// ErrOfferExpired is returned when claiming an offer past its expiry.
	// The sweep may not have run yet; expiry is checked against the wall
	// clock either way.
	ErrOfferExpired = errors.New("offer expired")

	// ErrAlreadyDispatched is returned when dispatching a request that is
	// neither pending nor unmatched.
	ErrAlreadyDispatched = errors.New("request already dispatched")
)

// Candidates is the slice of the driver directory the matcher needs.
type Candidates interface {
	FindCandidates(ctx context.Context, serviceType string, origin models.Coord, radiusM float64, limit int) ([]models.Driver, error)
}

// Store is the slice of the request store the matcher needs: the conditional
// transition used to park exhausted requests as unmatched.
type Store interface {
	Transition(ctx context.Context, id string, from, to models.RequestStatus) (bool, error)
}

// Events receives the matcher's outbound notifications. Publishing is
// best-effort; a failed publish never blocks dispatch.
type Events interface {
	PublishStatusChanged(ctx context.Context, requestID string, from, to models.RequestStatus)
	PublishUnmatched(ctx context.Context, requestID string)
}

// Config carries the dispatch tunables. Round count and expiry are policy,
// not contract; deployments tune them per market.
type Config struct {
	RoundSize       int           // candidates offered per round
	MaxRounds       int           // rounds before a request goes unmatched
	OfferTTL        time.Duration // offer expiry, measured from issuance
	RadiusM         float64       // candidate search radius in meters
	SweepInterval   time.Duration // expiry sweep period
	DefaultSpeedMps float64       // fallback speed for naive ETA estimates
}

func (c Config) withDefaults() Config {
	if c.RoundSize <= 0 {
		c.RoundSize = 20
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 60 * time.Second
	}
	if c.RadiusM <= 0 {
		c.RadiusM = 10000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DefaultSpeedMps <= 0 {
		c.DefaultSpeedMps = 10
	}
	return c
}

// roundState tracks one request's open dispatch: the current round, every
// driver already offered (never re-offered), and the offers still live.
type roundState struct {
	req     models.ServiceRequest
	round   int
	offered map[string]bool
	offers  map[string]models.Offer
}

// Matcher turns a new service request into bounded, time-boxed rounds of
// offers and owns every offer between issuance and resolution.
type Matcher struct {
	dir       Candidates
	gw        Gateway
	store     Store
	events    Events
	etaClient eta.Client
	etaCache  *eta.Cache
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*roundState
}

func NewMatcher(dir Candidates, gw Gateway, store Store, events Events, cfg Config, logger *slog.Logger) *Matcher {
	return &Matcher{
		dir:    dir,
		gw:     gw,
		store:  store,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: logger,
		active: make(map[string]*roundState),
	}
}

// SetETAClient wires an optional routing backend; without one offers carry a
// naive distance/speed estimate.
func (m *Matcher) SetETAClient(c eta.Client, cache *eta.Cache) {
	m.etaClient = c
	m.etaCache = cache
}

// Start runs the expiry sweep until ctx is done.
func (m *Matcher) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(m.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Dispatch issues the first round of offers for a request. A request with no
// eligible drivers in its first round goes straight to unmatched without
// creating offers. An unmatched request may be dispatched again; anything
// else fails with ErrAlreadyDispatched.
func (m *Matcher) Dispatch(ctx context.Context, req models.ServiceRequest) error {
	cands, err := m.dir.FindCandidates(ctx, req.ServiceType, req.Loc, m.cfg.RadiusM, m.cfg.RoundSize)
	if err != nil {
		return err
	}

	if len(cands) == 0 {
		applied, err := m.store.Transition(ctx, req.ID, models.StatusPending, models.StatusUnmatched)
		if err != nil {
			return err
		}
		if !applied {
			// re-dispatch of an unmatched request found nobody again, or the
			// request moved on; either way the stored status stands
			return nil
		}
		observability.UnmatchedTotal.Inc()
		m.events.PublishStatusChanged(ctx, req.ID, models.StatusPending, models.StatusUnmatched)
		m.events.PublishUnmatched(ctx, req.ID)
		m.logger.Info("no candidates for request", "request_id", req.ID, "service_type", req.ServiceType)
		return nil
	}

	from := models.StatusPending
	applied, err := m.store.Transition(ctx, req.ID, from, models.StatusOffered)
	if err != nil {
		return err
	}
	if !applied {
		from = models.StatusUnmatched
		if applied, err = m.store.Transition(ctx, req.ID, from, models.StatusOffered); err != nil {
			return err
		}
		if !applied {
			return ErrAlreadyDispatched
		}
	}
	m.events.PublishStatusChanged(ctx, req.ID, from, models.StatusOffered)

	offers := m.buildOffers(req, cands)
	st := &roundState{
		req:     req,
		round:   1,
		offered: make(map[string]bool),
		offers:  make(map[string]models.Offer),
	}
	m.mu.Lock()
	m.active[req.ID] = st
	m.recordLocked(st, offers)
	m.mu.Unlock()
	m.deliver(req.ID, 1, offers)
	return nil
}

// buildOffers creates one offer per candidate. ETA lookups may hit the
// routing backend, so this runs without the matcher lock held.
func (m *Matcher) buildOffers(req models.ServiceRequest, cands []models.Driver) []models.Offer {
	now := time.Now()
	offers := make([]models.Offer, 0, len(cands))
	for _, d := range cands {
		offers = append(offers, models.Offer{
			RequestID:  req.ID,
			DriverID:   d.ID,
			ETASeconds: m.etaFor(d.Loc, req.Loc),
			IssuedAt:   now,
			ExpiresAt:  now.Add(m.cfg.OfferTTL),
		})
	}
	return offers
}

// recordLocked registers a round's offers in the request state. Caller holds
// m.mu.
func (m *Matcher) recordLocked(st *roundState, offers []models.Offer) {
	observability.DispatchRounds.Inc()
	for _, o := range offers {
		st.offered[o.DriverID] = true
		st.offers[o.DriverID] = o
		observability.OffersIssued.Inc()
	}
}

// deliver fans a round out to the drivers, after the matcher lock is
// released: a stalled session must not block claims on other requests.
// Best-effort; a driver with no live session just misses this round.
func (m *Matcher) deliver(requestID string, round int, offers []models.Offer) {
	for _, o := range offers {
		if err := m.gw.SendOffer(o.DriverID, o); err != nil {
			m.logger.Debug("offer delivery failed", "request_id", requestID, "driver_id", o.DriverID, "error", err)
		}
	}
	m.logger.Info("dispatch round issued",
		"request_id", requestID, "round", round, "offers", len(offers))
}

func (m *Matcher) etaFor(from, to models.Coord) float64 {
	if m.etaCache != nil {
		if v, ok := m.etaCache.Get(from, to); ok {
			return v
		}
	}
	if m.etaClient != nil {
		if v, err := m.etaClient.EstimateSeconds(from, to); err == nil {
			if m.etaCache != nil {
				m.etaCache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, m.cfg.DefaultSpeedMps)
}

// Claim validates that driverID holds a live, unexpired offer for requestID.
// It does not consume the offer; resolution happens once the store commit
// succeeds, via ResolveAccepted.
func (m *Matcher) Claim(requestID, driverID string) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[requestID]
	if !ok {
		return models.Offer{}, ErrNoOffer
	}
	offer, ok := st.offers[driverID]
	if !ok {
		return models.Offer{}, ErrNoOffer
	}
	if time.Now().After(offer.ExpiresAt) {
		return models.Offer{}, ErrOfferExpired
	}
	return offer, nil
}

// ResolveAccepted closes the dispatch after a committed acceptance and
// retracts every other outstanding offer.
func (m *Matcher) ResolveAccepted(ctx context.Context, requestID, winnerID string) {
	m.mu.Lock()
	st, ok := m.active[requestID]
	if ok {
		delete(m.active, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for driverID := range st.offers {
		if driverID == winnerID {
			continue
		}
		observability.OffersRetracted.Inc()
		_ = m.gw.RetractOffer(driverID, requestID)
	}
}

// Decline drops one driver's offer. Declining an offer that is already gone
// is a no-op, so duplicate decline deliveries are harmless. When the last
// outstanding offer goes away the next round is issued immediately.
func (m *Matcher) Decline(ctx context.Context, requestID, driverID string) {
	m.mu.Lock()
	st, ok := m.active[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := st.offers[driverID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(st.offers, driverID)
	observability.OffersDeclined.Inc()
	empty := len(st.offers) == 0
	m.mu.Unlock()
	if empty {
		m.advance(ctx, requestID)
	}
}

// RetractDriver voids every outstanding offer held by a driver, used when the
// driver goes unavailable mid-round.
func (m *Matcher) RetractDriver(ctx context.Context, driverID string) {
	m.mu.Lock()
	var voided, empty []string
	for id, st := range m.active {
		if _, ok := st.offers[driverID]; !ok {
			continue
		}
		delete(st.offers, driverID)
		observability.OffersRetracted.Inc()
		voided = append(voided, id)
		if len(st.offers) == 0 {
			empty = append(empty, id)
		}
	}
	m.mu.Unlock()
	for _, id := range voided {
		_ = m.gw.RetractOffer(driverID, id)
	}
	for _, id := range empty {
		m.advance(ctx, id)
	}
}

// CancelRequest drops a cancelled request's dispatch and retracts whatever
// offers are still outstanding.
func (m *Matcher) CancelRequest(ctx context.Context, requestID string) {
	m.mu.Lock()
	st, ok := m.active[requestID]
	if ok {
		delete(m.active, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for driverID := range st.offers {
		observability.OffersRetracted.Inc()
		_ = m.gw.RetractOffer(driverID, requestID)
	}
}

// Sweep drops expired offers and advances any round left empty. It runs on
// the ticker started by Start; tests call it directly.
func (m *Matcher) Sweep(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var empty []string
	for id, st := range m.active {
		for driverID, offer := range st.offers {
			if now.After(offer.ExpiresAt) {
				delete(st.offers, driverID)
				observability.OffersExpired.Inc()
			}
		}
		if len(st.offers) == 0 {
			empty = append(empty, id)
		}
	}
	m.mu.Unlock()
	for _, id := range empty {
		m.advance(ctx, id)
	}
}

// advance moves a request with no outstanding offers to its next round, or
// parks it unmatched when rounds are exhausted or nobody new qualifies. The
// candidate query, ETA lookups and the store write all run with the matcher
// lock released; round state is re-checked after reacquiring it, so a racing
// resolution or concurrent advance simply wins.
func (m *Matcher) advance(ctx context.Context, requestID string) {
	m.mu.Lock()
	st, ok := m.active[requestID]
	if !ok || len(st.offers) != 0 {
		m.mu.Unlock()
		return
	}
	req := st.req
	round := st.round
	excluded := make(map[string]bool, len(st.offered))
	for id := range st.offered {
		excluded[id] = true
	}
	m.mu.Unlock()

	if round >= m.cfg.MaxRounds {
		m.park(ctx, requestID, round)
		return
	}
	// previously-offered drivers are excluded from later rounds, so ask for
	// enough extra to fill the page
	cands, err := m.dir.FindCandidates(ctx, req.ServiceType, req.Loc, m.cfg.RadiusM, m.cfg.RoundSize+len(excluded))
	if err != nil {
		m.logger.Error("candidate query failed", "request_id", requestID, "error", err)
		m.park(ctx, requestID, round)
		return
	}
	fresh := cands[:0:0]
	for _, d := range cands {
		if excluded[d.ID] {
			continue
		}
		fresh = append(fresh, d)
		if len(fresh) == m.cfg.RoundSize {
			break
		}
	}
	if len(fresh) == 0 {
		m.park(ctx, requestID, round)
		return
	}

	offers := m.buildOffers(req, fresh)
	m.mu.Lock()
	st, ok = m.active[requestID]
	if !ok || st.round != round || len(st.offers) != 0 {
		m.mu.Unlock()
		return
	}
	st.round++
	next := st.round
	m.recordLocked(st, offers)
	m.mu.Unlock()
	m.deliver(requestID, next, offers)
}

// park drops the dispatch state and moves the request to unmatched through
// the same conditional update acceptance uses, so a racing late acceptance
// can never be clobbered.
func (m *Matcher) park(ctx context.Context, requestID string, round int) {
	m.mu.Lock()
	st, ok := m.active[requestID]
	if !ok || st.round != round || len(st.offers) != 0 {
		m.mu.Unlock()
		return
	}
	delete(m.active, requestID)
	m.mu.Unlock()

	applied, err := m.store.Transition(ctx, requestID, models.StatusOffered, models.StatusUnmatched)
	if err != nil {
		m.logger.Error("unmatched transition failed", "request_id", requestID, "error", err)
		return
	}
	if !applied {
		// a driver accepted (or the requester cancelled) between the last
		// expiry and now; the store state wins
		return
	}
	observability.UnmatchedTotal.Inc()
	m.events.PublishStatusChanged(ctx, requestID, models.StatusOffered, models.StatusUnmatched)
	m.events.PublishUnmatched(ctx, requestID)
	m.logger.Info("request unmatched", "request_id", requestID, "rounds", round)
}
