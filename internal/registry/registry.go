// Package registry maintains the authoritative in-memory view of known
// devices and their liveness state, including auto-registration, last-seen
// tracking, and periodic offline detection.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/metrics"
)

// ErrDeviceNotFound is returned for operations on an unregistered device.
var ErrDeviceNotFound = errors.New("device not registered")

// DeviceStore is the subset of the storage layer the registry uses. The
// registry is the only writer to the devices table's status column.
type DeviceStore interface {
	CreateDeviceIfAbsent(ctx context.Context, device *store.Device) (created bool, err error)
	UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error
	UpdateDeviceStatus(ctx context.Context, deviceID string, status store.Status) error
	ListDevices(ctx context.Context) ([]store.Device, error)
}

// Broadcaster receives registry events for fan-out.
type Broadcaster interface {
	Broadcast(event fanout.Event)
}

// DeviceState is a read-only copy of a device's in-memory record.
type DeviceState struct {
	DeviceID     string
	DisplayName  string
	Status       store.Status
	FirstSeenAt  time.Time
	LastSeenAt   time.Time // zero when the device has never been seen
	Capabilities []string
	Metadata     map[string]string
}

type deviceRecord struct {
	displayName  string
	status       store.Status
	firstSeenAt  time.Time
	lastSeenAt   time.Time
	capabilities []string
	metadata     map[string]string
}

// Config holds the configuration for the Registry.
type Config struct {
	Logger *slog.Logger
	Store  DeviceStore
	// Events is optional; a nil broadcaster drops events.
	Events Broadcaster
	// Metrics is optional.
	Metrics *metrics.RegistryMetrics
	// OfflineThreshold is how long a device may stay silent before the sweep
	// demotes it; defaults to 15s. The comparison is strict: a device seen
	// exactly threshold ago is still online.
	OfflineThreshold time.Duration
	// SweepInterval is the sweep period; defaults to 5s.
	SweepInterval time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Registry is the in-memory device index. All map access is serialized; no
// database call ever happens while the lock is held. Status transitions are
// persisted first and swapped into memory after, so the persisted view and
// the broadcast view agree.
type Registry struct {
	mu               sync.RWMutex
	logger           *slog.Logger
	store            DeviceStore
	events           Broadcaster
	metrics          *metrics.RegistryMetrics
	devices          map[string]*deviceRecord
	offlineThreshold time.Duration
	sweepInterval    time.Duration
	now              func() time.Time
}

// New creates a new Registry instance. Call Load before Run.
func New(cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	offlineThreshold := cfg.OfflineThreshold
	if offlineThreshold <= 0 {
		offlineThreshold = 15 * time.Second
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Registry{
		logger:           cfg.Logger,
		store:            cfg.Store,
		events:           cfg.Events,
		metrics:          cfg.Metrics,
		devices:          make(map[string]*deviceRecord),
		offlineThreshold: offlineThreshold,
		sweepInterval:    sweepInterval,
		now:              now,
	}, nil
}

// Load populates the in-memory index from the device table. Rows without a
// persisted status load as unknown; the first sweep reconciles them.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, d := range devices {
		rec := &deviceRecord{
			displayName:  d.DisplayName,
			status:       d.Status,
			firstSeenAt:  d.FirstSeenAt,
			capabilities: decodeCapabilities(d.CapabilitiesJSON),
			metadata:     decodeMetadata(d.MetadataJSON),
		}
		if rec.status == "" {
			rec.status = store.StatusUnknown
		}
		if d.LastSeenAt != nil {
			rec.lastSeenAt = *d.LastSeenAt
		}
		r.devices[d.DeviceID] = rec
	}
	r.mu.Unlock()

	r.updateGauges()
	r.logger.Info("device registry loaded", "devices", len(devices))
	return nil
}

// EnsureRegistered returns the existing record for deviceID or creates one
// with status online and both seen timestamps set to now. It is idempotent
// under concurrent first messages: the database arbitrates the insert race
// and exactly one caller emits the device_registered event.
func (r *Registry) EnsureRegistered(ctx context.Context, deviceID, defaultName string) (DeviceState, error) {
	r.mu.RLock()
	if rec, ok := r.devices[deviceID]; ok {
		state := rec.state(deviceID)
		r.mu.RUnlock()
		return state, nil
	}
	r.mu.RUnlock()

	now := r.now()
	row := &store.Device{
		DeviceID:         deviceID,
		DisplayName:      defaultName,
		FirstSeenAt:      now,
		LastSeenAt:       &now,
		Status:           store.StatusOnline,
		CapabilitiesJSON: "[]",
		MetadataJSON:     "{}",
	}
	created, err := r.store.CreateDeviceIfAbsent(ctx, row)
	if err != nil {
		return DeviceState{}, err
	}

	rec := &deviceRecord{
		displayName:  row.DisplayName,
		status:       row.Status,
		firstSeenAt:  row.FirstSeenAt,
		capabilities: decodeCapabilities(row.CapabilitiesJSON),
		metadata:     decodeMetadata(row.MetadataJSON),
	}
	if row.LastSeenAt != nil {
		rec.lastSeenAt = *row.LastSeenAt
	}

	r.mu.Lock()
	if existing, ok := r.devices[deviceID]; ok {
		// Another goroutine installed the record between our check and now.
		// When our insert won the database race the event below is still
		// ours to emit.
		rec = existing
	} else {
		r.devices[deviceID] = rec
	}
	state := rec.state(deviceID)
	r.mu.Unlock()

	if created {
		if r.metrics != nil {
			r.metrics.DevicesRegistered.Inc()
		}
		r.logger.Info("device auto-registered", "device_id", deviceID)
		r.broadcast(fanout.DeviceRegisteredEvent{
			TS:          now,
			DeviceID:    deviceID,
			DisplayName: defaultName,
		})
	}
	r.updateGauges()
	return state, nil
}

// Touch advances the device's last-seen timestamp, keeping it monotonically
// non-decreasing. A device previously offline (or still unknown) transitions
// to online: the transition is persisted before the in-memory swap and a
// status_change event is emitted after.
func (r *Registry) Touch(ctx context.Context, deviceID string, ts time.Time) error {
	r.mu.RLock()
	rec, ok := r.devices[deviceID]
	if !ok {
		r.mu.RUnlock()
		return ErrDeviceNotFound
	}
	priorStatus := rec.status
	priorLastSeen := rec.lastSeenAt
	r.mu.RUnlock()

	if ts.Before(priorLastSeen) {
		ts = priorLastSeen
	}

	if err := r.store.UpdateLastSeen(ctx, deviceID, ts); err != nil {
		return err
	}

	cameOnline := priorStatus == store.StatusOffline || priorStatus == store.StatusUnknown
	if cameOnline {
		if err := r.store.UpdateDeviceStatus(ctx, deviceID, store.StatusOnline); err != nil {
			return err
		}
	}

	r.mu.Lock()
	rec, ok = r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	if ts.After(rec.lastSeenAt) {
		rec.lastSeenAt = ts
	}
	if cameOnline {
		rec.status = store.StatusOnline
	}
	r.mu.Unlock()

	if cameOnline {
		if r.metrics != nil {
			r.metrics.StatusTransitions.WithLabelValues(string(priorStatus), string(store.StatusOnline)).Inc()
		}
		r.logger.Info("device back online",
			"device_id", deviceID,
			"from", string(priorStatus),
		)
		r.broadcast(fanout.StatusChangeEvent{
			TS:       ts,
			DeviceID: deviceID,
			From:     string(priorStatus),
			To:       string(store.StatusOnline),
		})
		r.updateGauges()
	}
	return nil
}

// Get returns a copy of the device's state.
func (r *Registry) Get(deviceID string) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return rec.state(deviceID), true
}

// List returns copies of all device states, sorted by device id.
func (r *Registry) List() []DeviceState {
	r.mu.RLock()
	states := make([]DeviceState, 0, len(r.devices))
	for id, rec := range r.devices {
		states = append(states, rec.state(id))
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].DeviceID < states[j].DeviceID
	})
	return states
}

// Summaries returns the device list in hello-event form.
func (r *Registry) Summaries() []fanout.DeviceSummary {
	states := r.List()
	summaries := make([]fanout.DeviceSummary, 0, len(states))
	for _, s := range states {
		summaries = append(summaries, fanout.DeviceSummary{
			DeviceID: s.DeviceID,
			Status:   string(s.Status),
		})
	}
	return summaries
}

// Run executes the liveness sweep every sweep interval until the context is
// canceled. It exits at a tick boundary.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("liveness sweep started",
		"interval", r.sweepInterval,
		"offline_threshold", r.offlineThreshold,
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("liveness sweep stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass: online devices silent for longer than the
// offline threshold are demoted, and unknown devices left from the load
// phase are resolved from their last-seen timestamps.
func (r *Registry) Sweep(ctx context.Context) {
	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.SweepDuration)
		defer timer.ObserveDuration()
	}

	now := r.now()

	type transition struct {
		deviceID string
		from     store.Status
		to       store.Status
	}
	var transitions []transition

	r.mu.RLock()
	for id, rec := range r.devices {
		stale := rec.lastSeenAt.IsZero() || now.Sub(rec.lastSeenAt) > r.offlineThreshold
		switch rec.status {
		case store.StatusOnline:
			if stale {
				transitions = append(transitions, transition{id, rec.status, store.StatusOffline})
			}
		case store.StatusUnknown:
			to := store.StatusOnline
			if stale {
				to = store.StatusOffline
			}
			transitions = append(transitions, transition{id, rec.status, to})
		}
	}
	r.mu.RUnlock()

	for _, t := range transitions {
		if err := r.persistStatusWithRetry(ctx, t.deviceID, t.to); err != nil {
			// In-memory state is not advanced; the next sweep retries, so the
			// persisted view and the broadcast view stay in agreement.
			r.logger.Error("failed to persist status transition, will retry next sweep",
				"device_id", t.deviceID,
				"to", string(t.to),
				"error", err,
			)
			continue
		}

		r.mu.Lock()
		rec, ok := r.devices[t.deviceID]
		if !ok || rec.status != t.from {
			// A touch intervened; leave it alone.
			r.mu.Unlock()
			continue
		}
		if t.to == store.StatusOffline && !rec.lastSeenAt.IsZero() &&
			now.Sub(rec.lastSeenAt) <= r.offlineThreshold {
			// Fresh message arrived while we were persisting.
			r.mu.Unlock()
			continue
		}
		rec.status = t.to
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.StatusTransitions.WithLabelValues(string(t.from), string(t.to)).Inc()
		}
		r.logger.Info("device status swept",
			"device_id", t.deviceID,
			"from", string(t.from),
			"to", string(t.to),
		)
		r.broadcast(fanout.StatusChangeEvent{
			TS:       now,
			DeviceID: t.deviceID,
			From:     string(t.from),
			To:       string(t.to),
		})
	}

	r.updateGauges()
}

// persistStatusWithRetry writes the status transition, retrying with
// exponential backoff within the sweep pass.
func (r *Registry) persistStatusWithRetry(ctx context.Context, deviceID string, status store.Status) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = r.store.UpdateDeviceStatus(ctx, deviceID, status); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

func (r *Registry) broadcast(event fanout.Event) {
	if r.events != nil {
		r.events.Broadcast(event)
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	known := len(r.devices)
	online := 0
	for _, rec := range r.devices {
		if rec.status == store.StatusOnline {
			online++
		}
	}
	r.mu.RUnlock()
	r.metrics.DevicesKnown.Set(float64(known))
	r.metrics.DevicesOnline.Set(float64(online))
}

func (rec *deviceRecord) state(deviceID string) DeviceState {
	capabilities := make([]string, len(rec.capabilities))
	copy(capabilities, rec.capabilities)
	metadata := make(map[string]string, len(rec.metadata))
	for k, v := range rec.metadata {
		metadata[k] = v
	}
	return DeviceState{
		DeviceID:     deviceID,
		DisplayName:  rec.displayName,
		Status:       rec.status,
		FirstSeenAt:  rec.firstSeenAt,
		LastSeenAt:   rec.lastSeenAt,
		Capabilities: capabilities,
		Metadata:     metadata,
	}
}

func decodeCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	var capabilities []string
	if err := json.Unmarshal([]byte(raw), &capabilities); err != nil {
		return nil
	}
	return capabilities
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil
	}
	return metadata
}
