package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/tow-dispatch/internal/models"
)

// writeWait bounds a single frame write so one dead peer cannot wedge the
// goroutine pushing to it.
const writeWait = 5 * time.Second

// Gateway is the delivery boundary for offers and assignment notices.
// Delivery is fire-and-forget and at-least-once; callers never wait for an
// acknowledgment and must tolerate duplicate delivery on the far side.
type Gateway interface {
	SendOffer(driverID string, offer models.Offer) error
	RetractOffer(driverID, requestID string) error
	NotifyAssigned(requesterID, requestID, driverID string) error
	BroadcastLocation(driverID string, loc models.Coord) error
}

// Envelope is the wire frame pushed over a websocket session.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	msgOffer          = "offer"
	msgOfferRetracted = "offer_retracted"
	msgAssigned       = "request_accepted"
	msgDriverLocation = "driver_location"
)

// WSSession represents one connected client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSGateway implements Gateway over per-client websocket sessions. Drivers
// get targeted pushes; driver locations are fanned out to every connected
// requester session.
type WSGateway struct {
	mu         sync.RWMutex
	drivers    map[string]*WSSession
	requesters map[string]*WSSession
	logger     *slog.Logger
}

func NewWSGateway(logger *slog.Logger) *WSGateway {
	return &WSGateway{
		drivers:    make(map[string]*WSSession),
		requesters: make(map[string]*WSSession),
		logger:     logger,
	}
}

func (g *WSGateway) AddDriver(driverID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = &WSSession{conn: conn}
}

func (g *WSGateway) RemoveDriver(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

func (g *WSGateway) AddRequester(requesterID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requesters[requesterID] = &WSSession{conn: conn}
}

func (g *WSGateway) RemoveRequester(requesterID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.requesters, requesterID)
}

func (g *WSGateway) driver(driverID string) (*WSSession, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.drivers[driverID]
	return s, ok
}

func (g *WSGateway) SendOffer(driverID string, offer models.Offer) error {
	s, ok := g.driver(driverID)
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(Envelope{Type: msgOffer, Data: offer}); err != nil {
		g.logger.Warn("ws offer send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

func (g *WSGateway) RetractOffer(driverID, requestID string) error {
	s, ok := g.driver(driverID)
	if !ok {
		return ErrNoSession
	}
	msg := Envelope{Type: msgOfferRetracted, Data: map[string]string{"request_id": requestID}}
	if err := s.Send(msg); err != nil {
		g.logger.Warn("ws retract send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

func (g *WSGateway) NotifyAssigned(requesterID, requestID, driverID string) error {
	g.mu.RLock()
	s, ok := g.requesters[requesterID]
	g.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	msg := Envelope{Type: msgAssigned, Data: map[string]string{
		"request_id": requestID,
		"driver_id":  driverID,
	}}
	return s.Send(msg)
}

func (g *WSGateway) BroadcastLocation(driverID string, loc models.Coord) error {
	g.mu.RLock()
	sessions := make([]*WSSession, 0, len(g.requesters))
	for _, s := range g.requesters {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()
	msg := Envelope{Type: msgDriverLocation, Data: map[string]interface{}{
		"driver_id": driverID,
		"loc":       loc,
	}}
	for _, s := range sessions {
		if err := s.Send(msg); err != nil {
			g.logger.Warn("ws location broadcast failed", "driver_id", driverID, "error", err)
		}
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
