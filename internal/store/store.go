package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDeviceNotFound is returned by GetDevice for an unknown device id.
var ErrDeviceNotFound = errors.New("device not found")

// Store provides the storage operations for the core components. Components
// coordinate through it only for durability; field ownership is theirs.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance.
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Store{db: db, logger: logger}, nil
}

// CreateDeviceIfAbsent inserts the device row unless one already exists for
// its DeviceID. Concurrent first inserts are arbitrated by the primary key:
// exactly one caller observes created=true, the rest read back the winner's
// row into device.
func (s *Store) CreateDeviceIfAbsent(ctx context.Context, device *Device) (created bool, err error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoNothing: true,
		}).
		Create(device)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create device: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Lost the race; select the already-inserted row and continue.
		if err := s.db.WithContext(ctx).
			Where("device_id = ?", device.DeviceID).
			First(device).Error; err != nil {
			return false, fmt.Errorf("failed to load existing device: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// UpdateLastSeen advances the device's last_seen_at. The WHERE guard keeps
// the column monotonically non-decreasing even under concurrent writers.
func (s *Store) UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ? AND (last_seen_at IS NULL OR last_seen_at <= ?)", deviceID, ts).
		Update("last_seen_at", ts).Error
	if err != nil {
		return fmt.Errorf("failed to update last_seen_at: %w", err)
	}
	return nil
}

// UpdateDeviceStatus persists a status transition. The registry is the only
// caller; it writes the store before swapping its in-memory state.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status Status) error {
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", deviceID).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return nil
}

// ListDevices returns all device rows.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// GetDevice returns the device row for the given id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// InsertTelemetry persists a telemetry record.
func (s *Store) InsertTelemetry(ctx context.Context, record *TelemetryRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create telemetry record: %w", err)
	}
	return nil
}

// CreateCommandIfAbsent inserts the command row unless its command_id is
// already present. Replaying a dispatch with an existing command_id is a
// no-op: created=false and command is loaded with the stored row.
func (s *Store) CreateCommandIfAbsent(ctx context.Context, command *Command) (created bool, err error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "command_id"}},
			DoNothing: true,
		}).
		Create(command)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create command: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if err := s.db.WithContext(ctx).
			Where("command_id = ?", command.CommandID).
			First(command).Error; err != nil {
			return false, fmt.Errorf("failed to load existing command: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// UpdateCommandState records a command's terminal delivery state.
func (s *Store) UpdateCommandState(ctx context.Context, commandID, state string) error {
	err := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("command_id = ?", commandID).
		Update("delivery_state", state).Error
	if err != nil {
		return fmt.Errorf("failed to update command state: %w", err)
	}
	return nil
}

// IsPermanent reports whether a storage error will not succeed on retry
// (constraint violations, schema mismatch). Transient connection errors
// return false so the caller leaves the message for redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrInvalidValue)
}
