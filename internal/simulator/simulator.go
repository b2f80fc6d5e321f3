// Package simulator runs a synthetic device fleet that publishes JSON
// telemetry to the device data topics, for local development and load
// checks against a real broker.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// TelemetryPublisher is the broker surface the simulator uses.
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, deviceID string, body []byte) error
}

// Device is one synthetic device identity with the baselines its readings
// drift around.
type Device struct {
	DeviceID         string
	Firmware         string
	startedAt        time.Time
	baselineTemp     float64
	baselineHumidity float64
	baselineRSSI     float64
	noise            float64
}

// NewDevice creates a synthetic device with a random MAC-derived id.
func NewDevice() *Device {
	mac := strings.ToUpper(strings.ReplaceAll(gofakeit.MacAddress(), ":", ""))
	return &Device{
		DeviceID:         mac,
		Firmware:         gofakeit.AppVersion(),
		startedAt:        time.Now(),
		baselineTemp:     20.0 + rand.Float64()*10,  // 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,  // 50-70%
		baselineRSSI:     -60 - rand.Float64()*20,   // -60 to -80 dBm
		noise:            rand.Float64()*2 + 0.5,
	}
}

// Reading generates one correlated telemetry payload.
func (d *Device) Reading(t time.Time) map[string]any {
	hour := float64(t.Hour())

	// Daily temperature cycle peaking mid-afternoon.
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	temperature := d.baselineTemp + dailyCycle + (rand.Float64()-0.5)*d.noise

	// Humidity runs inverse to temperature.
	humidity := d.baselineHumidity - (temperature-d.baselineTemp)*1.5 +
		(rand.Float64()-0.5)*d.noise*0.5
	humidity = math.Max(20, math.Min(95, humidity))

	rssi := d.baselineRSSI + (rand.Float64()-0.5)*4

	return map[string]any{
		"timestamp":   t.Unix(),
		"temperature": math.Round(temperature*100) / 100,
		"humidity":    math.Round(humidity*100) / 100,
		"rssi":        math.Round(rssi),
		"uptime":      int64(t.Sub(d.startedAt).Seconds()),
		"status":      "ok",
		"firmware":    d.Firmware,
	}
}

// Config holds the configuration for the Simulator.
type Config struct {
	Logger    *slog.Logger
	Publisher TelemetryPublisher
	// DeviceCount defaults to 5.
	DeviceCount int
	// Interval between publish rounds; defaults to 2s.
	Interval time.Duration
}

// Simulator publishes telemetry for a fixed fleet of synthetic devices.
type Simulator struct {
	logger    *slog.Logger
	publisher TelemetryPublisher
	devices   []*Device
	interval  time.Duration
}

// New creates a new Simulator instance.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	deviceCount := cfg.DeviceCount
	if deviceCount <= 0 {
		deviceCount = 5
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	devices := make([]*Device, 0, deviceCount)
	for range deviceCount {
		devices = append(devices, NewDevice())
	}

	return &Simulator{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		devices:   devices,
		interval:  interval,
	}, nil
}

// Devices returns the synthetic fleet.
func (s *Simulator) Devices() []*Device {
	return s.devices
}

// Run publishes one reading per device per interval until the context is
// canceled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator started",
		"devices", len(s.devices),
		"interval", s.interval,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return ctx.Err()
		case t := <-ticker.C:
			for _, device := range s.devices {
				if err := s.publishReading(ctx, device, t); err != nil {
					s.logger.Error("failed to publish reading",
						"device_id", device.DeviceID,
						"error", err,
					)
				}
			}
		}
	}
}

func (s *Simulator) publishReading(ctx context.Context, device *Device, t time.Time) error {
	body, err := json.Marshal(device.Reading(t))
	if err != nil {
		return fmt.Errorf("failed to serialize reading: %w", err)
	}
	return s.publisher.PublishTelemetry(ctx, device.DeviceID, body)
}
