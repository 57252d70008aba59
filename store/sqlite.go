package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"infusionrelay/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	location   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'degraded',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
`

// SQLite is the default device repository.
type SQLite struct {
	db *sql.DB
}

// NewSQLite runs the schema migration on db and returns the repository.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate devices: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, location string) (models.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return models.Device{}, storeErr(err)
	}

	now := time.Now().UTC()
	d := models.Device{
		DeviceID:  FormatDeviceID(count + 1),
		Location:  location,
		Status:    models.StatusDegraded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (device_id, location, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.DeviceID, d.Location, string(d.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return models.Device{}, fmt.Errorf("%w: device %s already exists", models.ErrConflict, d.DeviceID)
		}
		return models.Device{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return models.Device{}, storeErr(err)
	}
	return d, nil
}

func (s *SQLite) Get(ctx context.Context, deviceID string) (models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, location, status, created_at, updated_at FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Device{}, fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	return d, nil
}

func (s *SQLite) List(ctx context.Context) ([]models.Device, error) {
	return s.query(ctx, `SELECT device_id, location, status, created_at, updated_at FROM devices ORDER BY device_id`)
}

func (s *SQLite) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Device, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT device_id, location, status, created_at, updated_at FROM devices WHERE status IN (` +
		placeholders(len(statuses)) + `) ORDER BY device_id`
	return s.query(ctx, q, anySlice(statusStrings(statuses))...)
}

func (s *SQLite) SetStatus(ctx context.Context, deviceID string, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?`,
		string(status), time.Now().UTC().UnixMilli(), deviceID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	return nil
}

// SetStatusIf moves deviceID to status only if its current status is in from.
// It returns ErrConflict when the device exists but is in another status.
func (s *SQLite) SetStatusIf(ctx context.Context, deviceID string, status models.Status, from ...models.Status) error {
	if len(from) == 0 {
		return s.SetStatus(ctx, deviceID, status)
	}
	args := []any{string(status), time.Now().UTC().UnixMilli(), deviceID}
	args = append(args, anySlice(statusStrings(from))...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	cur, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: device %s is %s", models.ErrConflict, deviceID, cur.Status)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(sc scanner) (models.Device, error) {
	var (
		d                models.Device
		status           string
		created, updated int64
	)
	if err := sc.Scan(&d.DeviceID, &d.Location, &status, &created, &updated); err != nil {
		return models.Device{}, err
	}
	d.Status = models.Status(status)
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return d, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}
