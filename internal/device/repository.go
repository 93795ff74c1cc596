package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByStatus retrieves all devices with a specific status.
	ListByStatus(ctx context.Context, status Status) ([]Device, error)

	// ListCreatedBetween retrieves devices registered within [from, to].
	// Either bound may be zero to leave that side open.
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device if the caller's version token still
	// matches the stored row. On success the device's Version and UpdatedAt
	// are refreshed in place.
	// Returns ErrDeviceNotFound if the device does not exist and
	// ErrVersionConflict if another writer got there first.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// ApplyHeartbeat records a heartbeat observation: status, last_heartbeat
	// and merged sensor readings, in one atomic write. The write only lands
	// if the incoming timestamp is strictly newer than the stored one, which
	// rejects duplicates and out-of-order deliveries.
	// Returns the refreshed device, ErrStaleHeartbeat if the timestamp lost
	// the ordering check, or ErrDeviceNotFound.
	ApplyHeartbeat(ctx context.Context, id string, ts time.Time, status Status, readings SensorData) (*Device, error)

	// SetStatus overwrites the status unconditionally. This is the operator
	// path: it never touches last_heartbeat, so a manual "online" without
	// real heartbeats is reverted by the next sweep.
	// Returns the refreshed device or ErrDeviceNotFound.
	SetStatus(ctx context.Context, id string, status Status) (*Device, error)

	// DemoteIfFresh marks a device offline only if it is still online and
	// the version token still matches. The sweeper uses this so a heartbeat
	// that lands mid-sweep wins over the demotion.
	// Returns the refreshed device, ErrVersionConflict if the row moved on,
	// or ErrDeviceNotFound.
	DemoteIfFresh(ctx context.Context, id string, version int64) (*Device, error)

	// CountByStatus returns the number of devices per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// timeFormat is the stored timestamp layout: UTC with a fixed-width
// millisecond fraction, so strings of the same width sort chronologically
// and sub-second heartbeats keep their ordering.
const timeFormat = "2006-01-02T15:04:05.000Z"

// formatTime renders a timestamp in the stored layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// deviceColumns is the canonical SELECT column list, shared by every query
// so scanDeviceRow stays in sync.
const deviceColumns = `id, name, location, model, mac_address, status,
		last_heartbeat, heartbeat_interval, sensor_data, version,
		created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`
	return r.queryDevices(ctx, query)
}

// ListByStatus retrieves all devices with a specific status.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE status = ? ORDER BY name`
	return r.queryDevices(ctx, query, string(status))
}

// ListCreatedBetween retrieves devices registered within [from, to].
// Stored timestamps are fixed-width UTC strings, so string comparison is
// chronological.
func (r *SQLiteRepository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE 1=1`
	var args []any
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(to))
	}
	query += ` ORDER BY created_at`

	return r.queryDevices(ctx, query, args...)
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	sensorJSON, err := json.Marshal(normaliseSensorData(device.SensorData))
	if err != nil {
		return fmt.Errorf("marshalling sensor_data: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	if device.Version == 0 {
		device.Version = 1
	}

	query := `
		INSERT INTO devices (
			id, name, location, model, mac_address, status,
			last_heartbeat, heartbeat_interval, sensor_data, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.Location,
		device.Model,
		nullableString(device.MAC),
		string(device.Status),
		nullableTime(device.LastHeartbeat),
		device.HeartbeatInterval,
		string(sensorJSON),
		device.Version,
		formatTime(device.CreatedAt),
		formatTime(device.UpdatedAt),
	)
	if err != nil {
		// Check for unique constraint violation
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update modifies an existing device guarded by its version token.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	sensorJSON, err := json.Marshal(normaliseSensorData(device.SensorData))
	if err != nil {
		return fmt.Errorf("marshalling sensor_data: %w", err)
	}

	now := time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, location = ?, model = ?, mac_address = ?, status = ?,
			last_heartbeat = ?, heartbeat_interval = ?, sensor_data = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		device.Location,
		device.Model,
		nullableString(device.MAC),
		string(device.Status),
		nullableTime(device.LastHeartbeat),
		device.HeartbeatInterval,
		string(sensorJSON),
		formatTime(now),
		device.ID,
		device.Version,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing row from a lost race.
		exists, existsErr := r.exists(ctx, device.ID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return ErrDeviceNotFound
		}
		return ErrVersionConflict
	}

	device.Version++
	device.UpdatedAt = now
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// ApplyHeartbeat records a heartbeat observation in one atomic write.
//
// The ordering guard compares fixed-width UTC strings, which sort
// chronologically down to the millisecond. An equal timestamp is rejected
// too, which makes redelivered heartbeats idempotent.
func (r *SQLiteRepository) ApplyHeartbeat(ctx context.Context, id string, ts time.Time, status Status, readings SensorData) (*Device, error) {
	sensorJSON, err := json.Marshal(normaliseSensorData(readings))
	if err != nil {
		return nil, fmt.Errorf("marshalling sensor_data: %w", err)
	}

	tsStr := formatTime(ts)
	now := time.Now().UTC()

	// json_patch merges the new readings into the stored snapshot,
	// preserving fields this heartbeat did not carry.
	query := `
		UPDATE devices
		SET status = ?,
		    last_heartbeat = ?,
		    sensor_data = json_patch(COALESCE(sensor_data, '{}'), ?),
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		tsStr,
		string(sensorJSON),
		formatTime(now),
		id,
		tsStr,
	)
	if err != nil {
		return nil, fmt.Errorf("applying heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		exists, existsErr := r.exists(ctx, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrDeviceNotFound
		}
		return nil, ErrStaleHeartbeat
	}

	return r.GetByID(ctx, id)
}

// SetStatus overwrites the status unconditionally. The operator path.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status Status) (*Device, error) {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		formatTime(now),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("setting device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}

	return r.GetByID(ctx, id)
}

// DemoteIfFresh marks a device offline guarded by status and version.
func (r *SQLiteRepository) DemoteIfFresh(ctx context.Context, id string, version int64) (*Device, error) {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusOffline),
		formatTime(now),
		id,
		string(StatusOnline),
		version,
	)
	if err != nil {
		return nil, fmt.Errorf("demoting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		exists, existsErr := r.exists(ctx, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrDeviceNotFound
		}
		return nil, ErrVersionConflict
	}

	return r.GetByID(ctx, id)
}

// CountByStatus returns the number of devices per status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM devices GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[Status(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// exists checks if a device with the given ID exists.
func (r *SQLiteRepository) exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking device exists: %w", err)
	}
	return count > 0, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var mac sql.NullString
	var lastHeartbeat sql.NullString
	var sensorJSON string
	var status string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Location,
		&d.Model,
		&mac,
		&status,
		&lastHeartbeat,
		&d.HeartbeatInterval,
		&sensorJSON,
		&d.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)

	if mac.Valid {
		d.MAC = &mac.String
	}

	if lastHeartbeat.Valid {
		t, err := time.Parse(time.RFC3339, lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		d.LastHeartbeat = &t
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(sensorJSON), &d.SensorData); err != nil {
		return nil, fmt.Errorf("unmarshalling sensor_data: %w", err)
	}

	return &d, nil
}

// normaliseSensorData ensures nil maps serialise as {} rather than null.
func normaliseSensorData(s SensorData) SensorData {
	if s == nil {
		return SensorData{}
	}
	return s
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers, rendered
// in the stored timestamp layout.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
