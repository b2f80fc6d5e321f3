// Package ingest consumes device messages handed off by the broker client,
// persists telemetry, and triggers registry updates and event fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/registry"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/broker"
	"procodus.dev/fleet-core/pkg/metrics"
)

// How long to wait between attempts to reopen the delivery stream after the
// broker drops it.
const resubscribeDelay = time.Second

// DeviceRegistry is the registry surface the worker uses.
type DeviceRegistry interface {
	EnsureRegistered(ctx context.Context, deviceID, defaultName string) (registry.DeviceState, error)
	Touch(ctx context.Context, deviceID string, ts time.Time) error
}

// TelemetryStore persists accepted telemetry records.
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, record *store.TelemetryRecord) error
}

// Broadcaster receives telemetry events for fan-out.
type Broadcaster interface {
	Broadcast(event fanout.Event)
}

// Source provides the inbound delivery stream and the dead-letter sink.
type Source interface {
	Consume(prefetch int) (<-chan amqp.Delivery, error)
	PublishDeadLetter(ctx context.Context, body []byte, reason, topic string) error
}

// Config holds the configuration for the Worker.
type Config struct {
	Logger   *slog.Logger
	Broker   Source
	Registry DeviceRegistry
	Store    TelemetryStore
	// Events is optional; a nil broadcaster drops events.
	Events Broadcaster
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
	// Prefetch is the broker prefetch limit; defaults to 10.
	Prefetch int
	// WorkerCount is the number of processor goroutines; defaults to 1.
	// Deliveries are sharded by device id, so per-device ordering holds at
	// any count.
	WorkerCount int
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Worker pulls messages from the ingest queue, parses and persists them, and
// acknowledges each message only after persistence and notification succeed.
type Worker struct {
	logger      *slog.Logger
	broker      Source
	registry    DeviceRegistry
	store       TelemetryStore
	events      Broadcaster
	metrics     *metrics.IngestMetrics
	prefetch    int
	workerCount int
	now         func() time.Time
	wg          sync.WaitGroup
}

// NewWorker creates a new Worker instance.
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("ingest config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		store:       cfg.Store,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		prefetch:    prefetch,
		workerCount: workerCount,
		now:         now,
	}, nil
}

// Start begins consuming device messages.
func (w *Worker) Start(ctx context.Context) error {
	deliveries, err := w.broker.Consume(w.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	shards := make([]chan amqp.Delivery, w.workerCount)
	for i := range shards {
		shards[i] = make(chan amqp.Delivery)
		w.wg.Add(1)
		go w.processShard(ctx, shards[i])
	}

	w.wg.Add(1)
	go w.dispatch(ctx, deliveries, shards)

	w.logger.Info("ingest worker started",
		"prefetch", w.prefetch,
		"workers", w.workerCount,
	)
	return nil
}

// Stop waits for in-flight deliveries to drain.
func (w *Worker) Stop() {
	w.wg.Wait()
	w.logger.Info("ingest worker stopped")
}

// dispatch routes deliveries to processor shards by device id hash so that
// all messages for one device are handled by one goroutine, in order.
// Malformed topics and last-will messages terminate here.
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, shards []chan amqp.Delivery) {
	defer func() {
		for _, shard := range shards {
			close(shard)
		}
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context canceled, stopping ingest dispatch")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				// The broker dropped the connection. The client reconnects
				// on its own; keep asking for a fresh stream so consumption
				// resumes instead of halting until a process restart.
				w.logger.Warn("delivery stream closed, resubscribing")
				deliveries = w.resubscribe(ctx)
				if deliveries == nil {
					return
				}
				continue
			}

			deviceID, kind, err := parseTopic(delivery.RoutingKey)
			if err != nil {
				// The only path allowed to drop data: requeuing a poison
				// topic would stall the queue.
				w.logger.Error("rejecting message with malformed topic",
					"routing_key", delivery.RoutingKey,
					"error", err,
				)
				w.deadLetter(ctx, delivery, "bad_topic")
				continue
			}

			if kind == kindLastWill {
				// Last-will messages are observed, not interpreted.
				w.logger.Debug("observed last-will message", "device_id", deviceID)
				w.ack(delivery)
				continue
			}

			h := fnv.New32a()
			_, _ = h.Write([]byte(deviceID))
			shard := shards[h.Sum32()%uint32(len(shards))]

			select {
			case shard <- delivery:
			case <-ctx.Done():
				w.logger.Info("context canceled while dispatching, requeueing")
				w.nack(delivery)
				return
			}
		}
	}
}

// resubscribe polls Consume until the broker client has a channel again.
// Returns nil once the context is canceled.
func (w *Worker) resubscribe(ctx context.Context) <-chan amqp.Delivery {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		deliveries, err := w.broker.Consume(w.prefetch)
		if err == nil {
			w.logger.Info("delivery stream reestablished")
			return deliveries
		}

		w.logger.Warn("consume not yet available, retrying",
			"backoff", resubscribeDelay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

// processShard handles one shard's deliveries sequentially. On shutdown it
// drains deliveries already routed to it, so each is processed to completion
// or failed to the dead-letter queue rather than abandoned mid-flight.
func (w *Worker) processShard(ctx context.Context, shard <-chan amqp.Delivery) {
	defer w.wg.Done()
	for delivery := range shard {
		w.handleDelivery(ctx, delivery)
	}
}

// handleDelivery processes a single device message.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var timer *prometheus.Timer
	if w.metrics != nil {
		timer = prometheus.NewTimer(w.metrics.ProcessDuration)
		defer timer.ObserveDuration()
	}

	// The id comes from the topic, not the payload; dispatch validated it.
	deviceID, _, err := parseTopic(delivery.RoutingKey)
	if err != nil {
		w.deadLetter(ctx, delivery, "bad_topic")
		return
	}

	if len(delivery.Body) > broker.MaxPayloadBytes {
		w.logger.Error("oversized payload dead-lettered",
			"device_id", deviceID,
			"bytes", len(delivery.Body),
		)
		w.deadLetter(ctx, delivery, "payload_too_large")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		w.logger.Error("failed to parse telemetry payload",
			"device_id", deviceID,
			"error", err,
		)
		w.deadLetter(ctx, delivery, "parse_error")
		return
	}

	state, err := w.registry.EnsureRegistered(ctx, deviceID, fmt.Sprintf("Device %s", deviceID))
	if err != nil {
		w.logger.Error("failed to register device, leaving for redelivery",
			"device_id", deviceID,
			"error", err,
		)
		w.nack(delivery)
		return
	}

	receivedAt := w.now()
	if state.LastSeenAt.After(receivedAt) {
		// Clock skew tolerance: never roll last-seen back, but still accept
		// the telemetry record.
		receivedAt = state.LastSeenAt
	}

	record := &store.TelemetryRecord{
		DeviceID:        deviceID,
		ReceivedAt:      receivedAt,
		DeviceTimestamp: deviceTimestamp(payload),
		PayloadJSON:     string(delivery.Body),
	}
	if err := w.store.InsertTelemetry(ctx, record); err != nil {
		if store.IsPermanent(err) {
			w.logger.Error("permanent storage failure, dead-lettering",
				"device_id", deviceID,
				"error", err,
			)
			w.deadLetter(ctx, delivery, "storage_error")
			return
		}
		w.logger.Error("transient storage failure, leaving for redelivery",
			"device_id", deviceID,
			"error", err,
		)
		w.nack(delivery)
		return
	}

	if err := w.registry.Touch(ctx, deviceID, receivedAt); err != nil {
		w.logger.Error("failed to update last-seen, leaving for redelivery",
			"device_id", deviceID,
			"error", err,
		)
		w.nack(delivery)
		return
	}

	if w.events != nil {
		w.events.Broadcast(fanout.TelemetryEvent{
			TS:       receivedAt,
			DeviceID: deviceID,
			Data:     json.RawMessage(delivery.Body),
		})
	}

	w.ack(delivery)
	if w.metrics != nil {
		w.metrics.MessagesProcessed.Inc()
	}
	w.logger.Debug("telemetry processed", "device_id", deviceID)
}

// deviceTimestamp extracts the optional device-reported timestamp from the
// payload. Devices report either unix seconds or an RFC 3339 string.
func deviceTimestamp(payload map[string]any) *time.Time {
	raw, ok := payload["timestamp"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		t := time.Unix(int64(v), 0).UTC()
		return &t
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// deadLetter routes the raw bytes to the dead-letter queue and acknowledges
// the original so it is never redelivered.
func (w *Worker) deadLetter(ctx context.Context, delivery amqp.Delivery, reason string) {
	if err := w.broker.PublishDeadLetter(ctx, delivery.Body, reason, delivery.RoutingKey); err != nil {
		w.logger.Error("failed to publish to dead-letter queue, requeueing",
			"reason", reason,
			"error", err,
		)
		w.nack(delivery)
		return
	}
	w.ack(delivery)
	if w.metrics != nil {
		w.metrics.MessagesDeadLetter.WithLabelValues(reason).Inc()
	}
}

func (w *Worker) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		w.logger.Error("failed to ack message", "error", err)
	}
}

func (w *Worker) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		w.logger.Error("failed to nack message", "error", err)
	}
	if w.metrics != nil {
		w.metrics.MessagesRequeued.Inc()
	}
}
