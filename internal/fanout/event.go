// Package fanout delivers core events (telemetry, status changes, device
// registrations, command acks) to connected push-channel subscribers without
// ever blocking the producers.
package fanout

import (
	"encoding/json"
	"time"
)

// Event is a server-push event. Each variant carries its own encoder so the
// wire shape is explicit per type.
type Event interface {
	// EventType returns the wire value of the "type" field.
	EventType() string
	// Encode serializes the event to a newline-free JSON object.
	Encode() ([]byte, error)
}

// DeviceSummary is the per-device entry in a hello event.
type DeviceSummary struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// HelloEvent is sent once on connect and carries the current device list so
// clients do not need a separate bootstrap round trip.
type HelloEvent struct {
	TS      time.Time
	Devices []DeviceSummary
}

// EventType implements Event.
func (HelloEvent) EventType() string { return "hello" }

// Encode implements Event.
func (e HelloEvent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type    string          `json:"type"`
		TS      time.Time       `json:"ts"`
		Devices []DeviceSummary `json:"devices"`
	}{e.EventType(), e.TS, e.Devices})
}

// TelemetryEvent carries one accepted device observation. Data is the device
// payload verbatim.
type TelemetryEvent struct {
	TS       time.Time
	DeviceID string
	Data     json.RawMessage
}

// EventType implements Event.
func (TelemetryEvent) EventType() string { return "telemetry" }

// Encode implements Event.
func (e TelemetryEvent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type     string          `json:"type"`
		TS       time.Time       `json:"ts"`
		DeviceID string          `json:"device_id"`
		Data     json.RawMessage `json:"data"`
	}{e.EventType(), e.TS, e.DeviceID, e.Data})
}

// StatusChangeEvent records a device liveness transition.
type StatusChangeEvent struct {
	TS       time.Time
	DeviceID string
	From     string
	To       string
}

// EventType implements Event.
func (StatusChangeEvent) EventType() string { return "status_change" }

// Encode implements Event.
func (e StatusChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type     string    `json:"type"`
		TS       time.Time `json:"ts"`
		DeviceID string    `json:"device_id"`
		From     string    `json:"from"`
		To       string    `json:"to"`
	}{e.EventType(), e.TS, e.DeviceID, e.From, e.To})
}

// DeviceRegisteredEvent announces an auto-registered device.
type DeviceRegisteredEvent struct {
	TS          time.Time
	DeviceID    string
	DisplayName string
}

// EventType implements Event.
func (DeviceRegisteredEvent) EventType() string { return "device_registered" }

// Encode implements Event.
func (e DeviceRegisteredEvent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type        string    `json:"type"`
		TS          time.Time `json:"ts"`
		DeviceID    string    `json:"device_id"`
		DisplayName string    `json:"display_name"`
	}{e.EventType(), e.TS, e.DeviceID, e.DisplayName})
}

// CommandAckEvent reports a command reaching a terminal delivery state.
type CommandAckEvent struct {
	TS            time.Time
	DeviceID      string
	CommandID     string
	DeliveryState string
}

// EventType implements Event.
func (CommandAckEvent) EventType() string { return "command_ack" }

// Encode implements Event.
func (e CommandAckEvent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type          string    `json:"type"`
		TS            time.Time `json:"ts"`
		DeviceID      string    `json:"device_id"`
		CommandID     string    `json:"command_id"`
		DeliveryState string    `json:"delivery_state"`
	}{e.EventType(), e.TS, e.DeviceID, e.CommandID, e.DeliveryState})
}
