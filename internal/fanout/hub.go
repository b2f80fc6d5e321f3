package fanout

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"procodus.dev/fleet-core/pkg/metrics"
)

// ErrCapacityExceeded is returned by Subscribe when the hub is at its
// subscriber limit.
var ErrCapacityExceeded = errors.New("subscriber capacity exceeded")

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("hub is closed")

// HubConfig holds the configuration for the Hub.
type HubConfig struct {
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.FanoutMetrics
	// BufferSize is the per-subscriber outbound buffer; defaults to 256.
	BufferSize int
	// MaxSubscribers caps concurrent subscribers; defaults to 1024.
	MaxSubscribers int
}

// Hub maintains the set of push-channel subscribers and fans events out to
// them. Delivery is best-effort and non-blocking per subscriber: a full
// buffer disconnects that subscriber and never delays any other.
type Hub struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	metrics        *metrics.FanoutMetrics
	subscribers    map[string]*Subscriber
	bufferSize     int
	maxSubscribers int
	closed         bool
}

// NewHub creates a new Hub instance.
func NewHub(cfg *HubConfig) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	maxSubscribers := cfg.MaxSubscribers
	if maxSubscribers <= 0 {
		maxSubscribers = 1024
	}

	return &Hub{
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		subscribers:    make(map[string]*Subscriber),
		bufferSize:     bufferSize,
		maxSubscribers: maxSubscribers,
	}, nil
}

// Subscribe registers a connected push channel, sends the hello event with
// the given device summaries, and starts the subscriber's pumps.
func (h *Hub) Subscribe(conn Conn, devices []DeviceSummary) (*Subscriber, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	sub := &Subscriber{
		id:          uuid.NewString(),
		connectedAt: time.Now().UTC(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.bufferSize),
	}

	hello, err := HelloEvent{TS: sub.connectedAt, Devices: devices}.Encode()
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if len(h.subscribers) >= h.maxSubscribers {
		h.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	// The buffer is empty, so the hello always fits.
	sub.enqueue(hello)

	go sub.writePump()
	go sub.readPump()

	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(h.Len()))
	}
	h.logger.Info("subscriber connected", "subscriber_id", sub.id)
	return sub, nil
}

// Broadcast fans an event out to every subscriber. The event is encoded
// once; a subscriber whose buffer cannot take it is disconnected, without
// affecting delivery to any other subscriber.
func (h *Hub) Broadcast(event Event) {
	data, err := event.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.EventType(), "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.enqueue(data) {
			if h.metrics != nil {
				h.metrics.SlowSubscribers.Inc()
			}
			h.unregister(sub, "slow_subscriber")
		}
	}

	if h.metrics != nil {
		h.metrics.EventsBroadcast.WithLabelValues(event.EventType()).Inc()
	}
}

// unregister removes a subscriber and closes its buffer. Safe to call more
// than once for the same subscriber.
func (h *Hub) unregister(sub *Subscriber, reason string) {
	h.mu.Lock()
	_, present := h.subscribers[sub.id]
	delete(h.subscribers, sub.id)
	h.mu.Unlock()

	sub.close()

	if !present {
		return
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(h.Len()))
		h.metrics.SubscriberFailures.WithLabelValues(reason).Inc()
	}
	h.logger.Info("subscriber removed",
		"subscriber_id", sub.id,
		"reason", reason,
	)
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects all subscribers with a normal-closure frame and rejects
// future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(0)
	}
	h.logger.Info("hub closed", "subscribers_disconnected", len(subs))
}
