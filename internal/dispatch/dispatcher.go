// Package dispatch accepts command requests and delivers them to target
// devices through the broker with at-least-once semantics.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/broker"
	"procodus.dev/fleet-core/pkg/metrics"
)

// CommandPublisher is the broker surface the dispatcher uses.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID string, body []byte) error
}

// CommandStore persists command rows and their delivery-state transitions.
type CommandStore interface {
	CreateCommandIfAbsent(ctx context.Context, command *store.Command) (created bool, err error)
	UpdateCommandState(ctx context.Context, commandID, state string) error
}

// Broadcaster receives command-ack events for fan-out.
type Broadcaster interface {
	Broadcast(event fanout.Event)
}

// Config holds the configuration for the Dispatcher.
type Config struct {
	Logger *slog.Logger
	Broker CommandPublisher
	Store  CommandStore
	// Events is optional; a nil broadcaster drops events.
	Events Broadcaster
	// Metrics is optional.
	Metrics *metrics.DispatchMetrics
	// MaxRetries bounds publish retries after the first attempt, with
	// 1s/2s/4s delays. Zero means unset and takes the default of 3; a
	// negative value disables retries entirely.
	MaxRetries int
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Result is the outcome of a dispatch: the generated command id and the
// terminal delivery state recorded for it.
type Result struct {
	CommandID     string
	DeliveryState string
}

// wirePayload is the JSON object published to the device's command topic.
type wirePayload struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	CommandID  string         `json:"command_id"`
	IssuedAt   string         `json:"issued_at"`
	Source     string         `json:"source"`
}

// Dispatcher serializes outgoing commands, persists their lifecycle, and
// publishes them via the broker client. It does not serialize commands to
// the same device; callers needing strict ordering await each dispatch.
type Dispatcher struct {
	logger     *slog.Logger
	broker     CommandPublisher
	store      CommandStore
	events     Broadcaster
	metrics    *metrics.DispatchMetrics
	maxRetries int
	now        func() time.Time
}

// New creates a new Dispatcher instance.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Dispatcher{
		logger:     cfg.Logger,
		broker:     cfg.Broker,
		store:      cfg.Store,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		maxRetries: maxRetries,
		now:        now,
	}, nil
}

// Dispatch assembles a command, persists it as queued, and publishes it.
// A broker ack means the broker accepted the command, not that the device
// executed it; for offline devices the broker queues the command on its
// persistent session and the ack is indistinguishable from live delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string, parameters map[string]any, source string) (Result, error) {
	var timer *prometheus.Timer
	if d.metrics != nil {
		timer = prometheus.NewTimer(d.metrics.DispatchDuration)
		defer timer.ObserveDuration()
	}

	issuedAt := d.now()
	commandID := fmt.Sprintf("cmd_%d_%s", issuedAt.UnixMilli(), randomHex(6))

	if parameters == nil {
		parameters = map[string]any{}
	}
	parametersJSON, err := json.Marshal(parameters)
	if err != nil {
		return Result{}, fmt.Errorf("failed to serialize parameters: %w", err)
	}

	body, err := json.Marshal(wirePayload{
		Action:     action,
		Parameters: parameters,
		CommandID:  commandID,
		IssuedAt:   issuedAt.Format(time.RFC3339Nano),
		Source:     source,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to serialize command payload: %w", err)
	}

	row := &store.Command{
		CommandID:      commandID,
		DeviceID:       deviceID,
		Action:         action,
		ParametersJSON: string(parametersJSON),
		IssuedAt:       issuedAt,
		Source:         source,
		DeliveryState:  store.DeliveryQueued,
	}
	created, err := d.store.CreateCommandIfAbsent(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("failed to persist command: %w", err)
	}
	if !created && row.DeliveryState != store.DeliveryQueued {
		// Replayed command id that already reached a terminal state; the
		// replay is a no-op on downstream state.
		return Result{CommandID: row.CommandID, DeliveryState: row.DeliveryState}, nil
	}

	if err := d.publishWithRetry(ctx, deviceID, body); err != nil {
		d.recordTerminal(ctx, deviceID, commandID, store.DeliveryFailed)
		d.logger.Error("command dispatch failed",
			"command_id", commandID,
			"device_id", deviceID,
			"action", action,
			"error", err,
		)
		return Result{CommandID: commandID, DeliveryState: store.DeliveryFailed}, err
	}

	d.recordTerminal(ctx, deviceID, commandID, store.DeliveryBrokerAcked)
	d.logger.Info("command dispatched",
		"command_id", commandID,
		"device_id", deviceID,
		"action", action,
		"source", source,
	)
	return Result{CommandID: commandID, DeliveryState: store.DeliveryBrokerAcked}, nil
}

// publishWithRetry retries not-connected and confirm-timeout failures with
// 1s/2s/4s delays. Oversized payloads are never retried.
func (d *Dispatcher) publishWithRetry(ctx context.Context, deviceID string, body []byte) error {
	delay := time.Second
	var err error
	for attempt := 0; ; attempt++ {
		err = d.broker.PublishCommand(ctx, deviceID, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrPayloadTooLarge) {
			return err
		}
		if !errors.Is(err, broker.ErrNotConnected) && !errors.Is(err, broker.ErrConfirmTimeout) {
			return err
		}
		if attempt >= d.maxRetries {
			return err
		}

		d.logger.Warn("command publish failed, retrying",
			"device_id", deviceID,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.PublishRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
}

// recordTerminal persists the terminal delivery state and emits the
// command_ack event. The publisher confirm happens-before this state write.
func (d *Dispatcher) recordTerminal(ctx context.Context, deviceID, commandID, state string) {
	if err := d.store.UpdateCommandState(ctx, commandID, state); err != nil {
		d.logger.Error("failed to record command state",
			"command_id", commandID,
			"state", state,
			"error", err,
		)
	}
	if d.metrics != nil {
		d.metrics.CommandsDispatched.WithLabelValues(state).Inc()
	}
	if d.events != nil {
		d.events.Broadcast(fanout.CommandAckEvent{
			TS:            d.now(),
			DeviceID:      deviceID,
			CommandID:     commandID,
			DeliveryState: state,
		})
	}
}

// randomHex returns n random bytes hex-encoded (2n characters).
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
