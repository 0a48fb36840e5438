package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Driver is the directory's view of a driver: identity, last-known position
// and the attributes matching filters on.
type Driver struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Loc       Coord     `json:"loc"`
	Updated   time.Time `json:"updated"`
	Available bool      `json:"available"`
	Skills    []string  `json:"skills"`
	// Active is the soft-delete flag; deactivated drivers never match.
	Active bool `json:"active"`
	// AssignedRequest is the request the driver is currently working, empty
	// when idle. A driver holds at most one assignment at a time.
	AssignedRequest string `json:"assigned_request,omitempty"`
}

// HasSkill reports whether the driver can fulfil the given service type.
func (d Driver) HasSkill(serviceType string) bool {
	for _, s := range d.Skills {
		if s == serviceType {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusOffered    RequestStatus = "offered"
	StatusAssigned   RequestStatus = "assigned"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusUnmatched  RequestStatus = "unmatched"
)

// Terminal reports whether no further transitions are allowed from s.
// Unmatched is not terminal: an unmatched request may still be re-dispatched
// or cancelled.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ServiceRequest struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	ServiceType string        `json:"service_type"`
	Loc         Coord         `json:"loc"`
	Notes       string        `json:"notes,omitempty"`
	Status      RequestStatus `json:"status"`
	// AssignedDriver is set exactly once, by the winning acceptance.
	AssignedDriver string    `json:"assigned_driver,omitempty"`
	PaymentHoldID  string    `json:"payment_hold_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Offer is one driver's time-boxed invitation to take one request. Offers are
// ephemeral: they live in the matcher between issuance and resolution and are
// never persisted.
type Offer struct {
	RequestID  string    `json:"request_id"`
	DriverID   string    `json:"driver_id"`
	ETASeconds float64   `json:"eta_seconds"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LocationUpdate is the wire shape of a driver location message on Kafka.
type LocationUpdate struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Skills    []string  `json:"skills,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Roles attached to inbound cancel events. Upstream clients use "user" and
// "customer" interchangeably for the requester; both map to RoleRequester at
// the boundary.
const (
	RoleRequester = "requester"
	RoleAdmin     = "admin"
)
