package directory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-dispatch/internal/models"
)

// RedisDirectory implements Directory on Redis GEO commands plus a metadata
// hash per driver. Driver claims use SETNX, so two nodes racing to assign the
// same driver cannot both win.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(addr, password, key string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, key: key}
}

// NewRedisDirectoryWithClient wraps an existing client, used by the consumer
// process which shares one connection between sinks.
func NewRedisDirectoryWithClient(c *redis.Client, key string) *RedisDirectory {
	return &RedisDirectory{client: c, key: key}
}

func metaKey(id string) string  { return "driver:meta:" + id }
func claimKey(id string) string { return "claim:driver:" + id }

func (r *RedisDirectory) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Loc.Valid() {
		return ErrInvalidCoordinates
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"account":   d.AccountID,
		"skills":    strings.Join(d.Skills, ","),
		"available": strconv.FormatBool(d.Available),
		"active":    "true",
		"updated":   d.Updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisDirectory) UpsertLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) error {
	if !c.Valid() {
		return ErrInvalidCoordinates
	}
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if len(m) == 0 || m["active"] == "false" {
		return ErrDriverNotFound
	}
	if stored, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil && ts.Before(stored) {
		// stale fix delivered out of order
		return nil
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": ts.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisDirectory) SetAvailability(ctx context.Context, driverID string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDriverNotFound
	}
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisDirectory) FindCandidates(ctx context.Context, serviceType string, origin models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	// over-fetch: availability and skills are filtered after the geo query
	count := limit * 4
	if count <= 0 {
		count = 40
	}
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: count, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(res))
	for _, g := range res {
		d, err := r.get(ctx, g.Name)
		if err != nil {
			continue
		}
		if !d.Active || !d.Available || d.AssignedRequest != "" || !d.HasSkill(serviceType) {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		arr = append(arr, pair{d, g.Dist})
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

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.Driver, error) {
	d, err := r.get(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisDirectory) get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	d := models.Driver{ID: driverID, AccountID: m["account"]}
	if v := m["skills"]; v != "" {
		d.Skills = strings.Split(v, ",")
	}
	d.Available = m["available"] == "true"
	d.Active = m["active"] == "true"
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = ts
	}
	if v, err := r.client.Get(ctx, claimKey(driverID)).Result(); err == nil {
		d.AssignedRequest = v
	}
	return d, nil
}

func (r *RedisDirectory) Claim(ctx context.Context, driverID, requestID string) error {
	d, err := r.get(ctx, driverID)
	if err != nil {
		return err
	}
	if !d.Active {
		return ErrDriverNotFound
	}
	if d.AssignedRequest == requestID {
		return nil
	}
	if !d.Available || d.AssignedRequest != "" {
		return ErrDriverUnavailable
	}
	ok, err := r.client.SetNX(ctx, claimKey(driverID), requestID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDriverUnavailable
	}
	return nil
}

func (r *RedisDirectory) Release(ctx context.Context, driverID, requestID string) error {
	v, err := r.client.Get(ctx, claimKey(driverID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if v != requestID {
		return nil
	}
	return r.client.Del(ctx, claimKey(driverID)).Err()
}

func (r *RedisDirectory) Deactivate(ctx context.Context, driverID string) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDriverNotFound
	}
	if err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"active":    "false",
		"available": "false",
	}).Err(); err != nil {
		return err
	}
	// drop from the geo set so radius queries stop returning it
	return r.client.ZRem(ctx, r.key, driverID).Err()
}
