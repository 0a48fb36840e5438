package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/tow-dispatch/internal/models"
)

// KafkaProducer publishes driver location updates and the core's outbound
// events. Event publishing is best-effort: failures are logged, never
// propagated into a status transition.
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
	logger    *slog.Logger
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string, logger *slog.Logger) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.LeastBytes{}}),
		logger:    logger,
	}
}

func (k *KafkaProducer) PublishLocation(u models.LocationUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(u)
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

type event struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	At        string `json:"at"`
}

func (k *KafkaProducer) publish(ctx context.Context, e event) {
	e.At = time.Now().UTC().Format(time.RFC3339Nano)
	b, _ := json.Marshal(e)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.events.WriteMessages(wctx, kafka.Message{Key: []byte(e.RequestID), Value: b}); err != nil {
		k.logger.Warn("event publish failed", "type", e.Type, "request_id", e.RequestID, "error", err)
	}
}

func (k *KafkaProducer) PublishStatusChanged(ctx context.Context, requestID string, from, to models.RequestStatus) {
	k.publish(ctx, event{Type: "request.status_changed", RequestID: requestID, From: string(from), To: string(to)})
}

func (k *KafkaProducer) PublishDriverAssigned(ctx context.Context, requestID, driverID string) {
	k.publish(ctx, event{Type: "request.driver_assigned", RequestID: requestID, DriverID: driverID})
}

func (k *KafkaProducer) PublishUnmatched(ctx context.Context, requestID string) {
	k.publish(ctx, event{Type: "request.unmatched", RequestID: requestID})
}

func (k *KafkaProducer) Close() error {
	var first error
	if k.locations != nil {
		if err := k.locations.Close(); err != nil {
			first = err
		}
	}
	if k.events != nil {
		if err := k.events.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopEvents satisfies the event interfaces when Kafka is not configured.
type NopEvents struct{}

func (NopEvents) PublishStatusChanged(context.Context, string, models.RequestStatus, models.RequestStatus) {
}
func (NopEvents) PublishDriverAssigned(context.Context, string, string) {}
func (NopEvents) PublishUnmatched(context.Context, string)              {}
