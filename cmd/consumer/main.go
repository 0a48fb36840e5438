package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/tow-dispatch/internal/directory"
	"github.com/example/tow-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	directoryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_directory_updates_total",
		Help: "Total location updates applied to the driver directory",
	})
	directoryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_directory_errors_total",
		Help: "Total directory write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, directoryUpdates, directoryErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_LOCATION_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "tow-dispatch-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	// all writes go through the directory so the last-write-wins timestamp
	// guard also covers replayed or redelivered messages
	sink := directory.NewRedisDirectoryWithClient(rc, geoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var u models.LocationUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}
		if !u.Loc.Valid() {
			msgsInvalid.Inc()
			log.Printf("out-of-range coordinates for driver=%s", u.DriverID)
			continue
		}

		if err := applyUpdateWithRetry(ctx, sink, &u, 3, 200*time.Millisecond); err != nil {
			directoryErrors.Inc()
			log.Printf("directory update failed for driver=%s: %v", u.DriverID, err)
			continue
		}
		directoryUpdates.Inc()
	}
}

// locationSink is the slice of the driver directory the consumer writes.
type locationSink interface {
	Upsert(ctx context.Context, d models.Driver) error
	UpsertLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) error
	Get(ctx context.Context, driverID string) (models.Driver, error)
}

// applyUpdate feeds one message into the directory. Known drivers take the
// UpsertLocation path, where a fix older than the stored one is a no-op; a
// driver the directory has never seen is registered from the message. The
// message's availability and skills are only trusted at registration, the
// driver API owns those fields afterwards. Fixes from a deactivated driver
// are dropped rather than re-registering it.
func applyUpdate(ctx context.Context, sink locationSink, u *models.LocationUpdate, ts time.Time) error {
	err := sink.UpsertLocation(ctx, u.DriverID, u.Loc, ts)
	if errors.Is(err, directory.ErrDriverNotFound) {
		if _, gerr := sink.Get(ctx, u.DriverID); gerr == nil {
			// soft-deleted record still exists; ignore its stream
			return nil
		}
		return sink.Upsert(ctx, models.Driver{
			ID:        u.DriverID,
			Loc:       u.Loc,
			Updated:   ts,
			Available: u.Available,
			Skills:    u.Skills,
		})
	}
	return err
}

// applyUpdateWithRetry retries transient directory failures with backoff.
func applyUpdateWithRetry(ctx context.Context, sink locationSink, u *models.LocationUpdate, attempts int, delay time.Duration) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyUpdate(ctx, sink, u, ts); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
