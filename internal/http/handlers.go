package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tow-dispatch/internal/config"
	"github.com/example/tow-dispatch/internal/directory"
	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/eta"
	"github.com/example/tow-dispatch/internal/ingest"
	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/payments"
	"github.com/example/tow-dispatch/internal/storage"
)

type Server struct {
	svc     *lifecycle.Service
	matcher *dispatch.Matcher
	dir     directory.Directory
	store   storage.RequestStore
	gw      *dispatch.WSGateway
	kafka   *ingest.KafkaProducer
	logger  *slog.Logger
	mux     *mux.Router
}

// NewServer wires the dispatch core from config: Redis-backed directory and
// Postgres store when configured, in-memory fallbacks otherwise.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		dir = directory.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		dir = directory.NewIndex()
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	var events interface {
		dispatch.Events
		lifecycle.Events
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic, logger)
		events = kp
	} else {
		events = ingest.NopEvents{}
	}

	gw := dispatch.NewWSGateway(logger)
	matcher := dispatch.NewMatcher(dir, gw, store, events, dispatch.Config{
		RoundSize:       cfg.DispatchRoundSize,
		MaxRounds:       cfg.DispatchRounds,
		OfferTTL:        cfg.OfferTTL,
		RadiusM:         cfg.SearchRadiusM,
		SweepInterval:   cfg.SweepInterval,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}, logger)
	if cfg.OSRMEndpoint != "" {
		matcher.SetETAClient(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(5*time.Minute))
	}

	svc := lifecycle.NewService(store, dir, matcher, gw, events, logger)
	if cfg.StripeAPIKey != "" {
		svc.SetPayments(payments.NewStripeClient(cfg.StripeAPIKey))
	}

	s := &Server{
		svc:     svc,
		matcher: matcher,
		dir:     dir,
		store:   store,
		gw:      gw,
		kafka:   kp,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/dispatch", s.handleRedispatch).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers", s.handleOnboardDriver).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}", s.handleDeactivateDriver).Methods("DELETE")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/requester/{requester_id}", s.handleRequesterWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Start launches the matcher's offer expiry sweep.
func (s *Server) Start(ctx context.Context) { s.matcher.Start(ctx) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var p lifecycle.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	req, err := s.svc.CreateRequest(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type driverAction struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	req, err := s.svc.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	s.svc.DeclineOffer(r.Context(), mux.Vars(r)["id"], body.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	req, err := s.svc.StartWork(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	req, err := s.svc.CompleteWork(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if body.Role == "" || body.Role == "user" || body.Role == "customer" {
		body.Role = models.RoleRequester
	}
	req, err := s.svc.CancelRequest(r.Context(), mux.Vars(r)["id"], body.ActorID, body.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Redispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleOnboardDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if d.ID == "" {
		s.writeError(w, r, badRequest(errors.New("missing driver id")))
		return
	}
	if err := s.dir.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if err := s.svc.SetAvailability(r.Context(), mux.Vars(r)["id"], body.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivateDriver(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := s.dir.Deactivate(r.Context(), driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.matcher.RetractDriver(r.Context(), driverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	// publish to kafka if configured; the consumer feeds the shared geo index
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if err := s.svc.UpdateLocation(r.Context(), u.DriverID, u.Loc, u.Timestamp); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.gw.AddDriver(id, conn)
	go func() {
		defer func() {
			s.gw.RemoveDriver(id)
			conn.Close()
		}()
		// drain until the peer goes away; pushes are server-to-client only
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleRequesterWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["requester_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "requester_id", id, "error", err)
		return
	}
	s.gw.AddRequester(id, conn)
	go func() {
		defer func() {
			s.gw.RemoveRequester(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type validationError struct{ err error }

func (v *validationError) Error() string { return v.err.Error() }

func badRequest(err error) error { return &validationError{err: err} }

// writeError maps the core's error taxonomy onto HTTP statuses: caller
// mistakes 400/404, state conflicts 409, authorization 403, everything else
// a 500 the caller may retry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var ve *validationError
	var it *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, lifecycle.ErrInvalidRequesterID),
		errors.Is(err, lifecycle.ErrMissingServiceType),
		errors.Is(err, lifecycle.ErrInvalidPickupLocation),
		errors.Is(err, directory.ErrInvalidCoordinates):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, directory.ErrDriverNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrCannotCancelInProgress):
		status = http.StatusForbidden
	case errors.As(err, &it),
		errors.Is(err, lifecycle.ErrAlreadyAssigned),
		errors.Is(err, lifecycle.ErrRequestCancelled),
		errors.Is(err, lifecycle.ErrNotAssignedDriver),
		errors.Is(err, directory.ErrDriverUnavailable),
		errors.Is(err, dispatch.ErrNoOffer),
		errors.Is(err, dispatch.ErrOfferExpired),
		errors.Is(err, dispatch.ErrAlreadyDispatched):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
