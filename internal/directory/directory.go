package directory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

var (
	// ErrInvalidCoordinates is returned when a location update carries a
	// latitude or longitude outside WGS84 bounds.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	// ErrDriverNotFound is returned for operations on an unknown or
	// deactivated driver.
	ErrDriverNotFound = errors.New("driver not found")

	// ErrDriverUnavailable is returned when claiming a driver that is
	// offline, deactivated, or already working a request.
	ErrDriverUnavailable = errors.New("driver unavailable")
)

// Directory tracks driver identity, location, availability and skills, and
// answers "available drivers near P that can do S" queries. It exclusively
// owns the location/availability fields of a driver record.
type Directory interface {
	// Upsert registers or replaces a driver record.
	Upsert(ctx context.Context, d models.Driver) error

	// UpsertLocation records a position fix. Last-write-wins by timestamp:
	// a fix older than the stored one is a no-op, so out-of-order delivery
	// cannot roll a driver's position back.
	UpsertLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) error

	// SetAvailability flips the driver-controlled availability flag.
	SetAvailability(ctx context.Context, driverID string, available bool) error

	// FindCandidates returns available, active, skill-matching drivers within
	// radiusM meters of origin, nearest first, at most limit. Equal distances
	// are broken by driver id so candidate order is deterministic. No
	// qualifying drivers is an empty slice, not an error.
	FindCandidates(ctx context.Context, serviceType string, origin models.Coord, radiusM float64, limit int) ([]models.Driver, error)

	// Get returns the current driver record.
	Get(ctx context.Context, driverID string) (models.Driver, error)

	// Claim atomically marks the driver as working requestID. It fails with
	// ErrDriverUnavailable unless the driver is available, active and idle.
	Claim(ctx context.Context, driverID, requestID string) error

	// Release clears the driver's assignment if it still references
	// requestID. Releasing an already-clear driver is a no-op.
	Release(ctx context.Context, driverID, requestID string) error

	// Deactivate soft-deletes a driver. The record is kept because past
	// assignments may still reference it.
	Deactivate(ctx context.Context, driverID string) error
}

// Index is the in-memory Directory used for tests and single-node runs.
// Lookups are a naive haversine scan; the Redis directory covers fleets large
// enough to need a real geo index.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Loc.Valid() {
		return ErrInvalidCoordinates
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	d.Active = true
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) UpsertLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) error {
	if !c.Valid() {
		return ErrInvalidCoordinates
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok || !d.Active {
		return ErrDriverNotFound
	}
	if ts.Before(d.Updated) {
		// stale fix, keep the newer stored position
		return nil
	}
	d.Loc = c
	d.Updated = ts
	g.drivers[driverID] = d
	return nil
}

func (g *Index) SetAvailability(ctx context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok || !d.Active {
		return ErrDriverNotFound
	}
	d.Available = available
	g.drivers[driverID] = d
	return nil
}

func (g *Index) FindCandidates(ctx context.Context, serviceType string, origin models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Active || !d.Available || d.AssignedRequest != "" {
			continue
		}
		if !d.HasSkill(serviceType) {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (g *Index) Get(ctx context.Context, driverID string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (g *Index) Claim(ctx context.Context, driverID, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok || !d.Active {
		return ErrDriverNotFound
	}
	if d.AssignedRequest == requestID {
		return nil
	}
	if !d.Available || d.AssignedRequest != "" {
		return ErrDriverUnavailable
	}
	d.AssignedRequest = requestID
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Release(ctx context.Context, driverID, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	if d.AssignedRequest == requestID {
		d.AssignedRequest = ""
		g.drivers[driverID] = d
	}
	return nil
}

func (g *Index) Deactivate(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	d.Active = false
	d.Available = false
	g.drivers[driverID] = d
	return nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
