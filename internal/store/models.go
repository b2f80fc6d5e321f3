// Package store provides the persistence layer for devices, telemetry
// records, and commands, backed by PostgreSQL through GORM.
package store

import (
	"time"
)

// Status is the liveness state of a device.
type Status string

// Device liveness states. Unknown is the initial in-memory state during the
// registry load phase; readers must not assume online for it.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Command delivery states. A command is terminal in either BrokerAcked or
// Failed.
const (
	DeliveryQueued      = "queued"
	DeliveryBrokerAcked = "broker_acked"
	DeliveryFailed      = "failed"
)

// Device represents a registered device. DeviceID is the stable identifier,
// canonically the 12-character uppercase hex MAC address.
type Device struct {
	DeviceID         string     `gorm:"primaryKey;size:32"`
	DisplayName      string     `gorm:"size:100;not null"`
	FirstSeenAt      time.Time  `gorm:"not null"`
	LastSeenAt       *time.Time `gorm:"index:idx_devices_last_seen"`
	Status           Status     `gorm:"size:16;not null"`
	CapabilitiesJSON string     `gorm:"column:capabilities_json;not null;default:'[]'"`
	MetadataJSON     string     `gorm:"column:metadata_json;not null;default:'{}'"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// TelemetryRecord represents a single timestamped observation from a device.
// The payload is preserved verbatim; the server does not validate its schema
// beyond well-formedness.
type TelemetryRecord struct {
	ID              uint       `gorm:"primaryKey"`
	DeviceID        string     `gorm:"size:32;not null;index:idx_telemetry_device_received,priority:1"`
	ReceivedAt      time.Time  `gorm:"not null;index:idx_telemetry_device_received,priority:2,sort:desc"`
	DeviceTimestamp *time.Time
	PayloadJSON     string    `gorm:"column:payload_json;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for the TelemetryRecord model.
func (TelemetryRecord) TableName() string {
	return "telemetry"
}

// Command represents an instruction sent from the server to a device.
type Command struct {
	CommandID      string    `gorm:"primaryKey;size:64"`
	DeviceID       string    `gorm:"size:32;not null;index:idx_commands_device_issued,priority:1"`
	Action         string    `gorm:"size:64;not null"`
	ParametersJSON string    `gorm:"column:parameters_json;not null;default:'{}'"`
	IssuedAt       time.Time `gorm:"not null;index:idx_commands_device_issued,priority:2,sort:desc"`
	Source         string    `gorm:"size:64;not null"`
	DeliveryState  string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Command model.
func (Command) TableName() string {
	return "commands"
}
