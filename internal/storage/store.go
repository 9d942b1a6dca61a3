package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowguard/internal/config"
	"flowguard/internal/model"
)

var (
	ErrUnknownDevice = errors.New("storage: unknown device")
	ErrAlertNotFound = errors.New("storage: alert not found")
)

// PersistenceError reports a failed write. The transaction has already been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Gateway is everything the ingestion core needs from the relational store.
type Gateway interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	FindDeviceBySerial(ctx context.Context, serial string) (model.Device, error)
	UpsertDevice(ctx context.Context, d model.Device) (model.Device, error)

	SaveReading(ctx context.Context, r model.Reading, deviceID int64) error
	ListReadings(ctx context.Context, q ReadingQuery) ([]model.StoredReading, error)

	SaveAlert(ctx context.Context, alert model.Alert) (int64, error)
	GetAlert(ctx context.Context, id int64) (model.Alert, error)
	ResolveAlert(ctx context.Context, id int64) (model.Alert, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, error)
}

type AlertQuery struct {
	Limit          int
	UnresolvedOnly bool
}

// ReadingQuery selects persisted readings. From/To are epoch milliseconds, 0 means open.
type ReadingQuery struct {
	Serial string
	From   int64
	To     int64
	Limit  int
}

const (
	defaultAlertLimit   = 50
	defaultReadingLimit = 500
	maxReadingLimit     = 5000
)

func NewStore(cfg config.StorageConfig) (Gateway, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// Seed upserts the configured devices so readings for them are persisted from the start.
func Seed(ctx context.Context, gw Gateway, devices []model.Device) error {
	for _, d := range devices {
		d.Serial = strings.ToUpper(strings.TrimSpace(d.Serial))
		if d.Serial == "" {
			continue
		}
		if _, err := gw.UpsertDevice(ctx, d); err != nil {
			return fmt.Errorf("seed device %s: %w", d.Serial, err)
		}
	}
	return nil
}

type dialect struct {
	name       string
	schema     []string
	positional bool
}

// SQLStore implements Gateway over database/sql for both sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) FindDeviceBySerial(ctx context.Context, serial string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, serial, model, customer_id, status FROM devices WHERE serial = ?`),
		serial)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrUnknownDevice
	}
	return d, err
}

func (s *SQLStore) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.Status == "" {
		d.Status = "active"
	}
	var customer sql.NullInt64
	if d.CustomerID != nil {
		customer = sql.NullInt64{Int64: *d.CustomerID, Valid: true}
	}
	err := s.inTx(ctx, "upsert_device", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO devices (serial, model, customer_id, status) VALUES (?, ?, ?, ?)
			ON CONFLICT (serial) DO UPDATE SET model = excluded.model, customer_id = excluded.customer_id, status = excluded.status
			RETURNING id`),
			d.Serial, d.Model, customer, d.Status,
		).Scan(&d.ID)
	})
	return d, err
}

func (s *SQLStore) SaveReading(ctx context.Context, r model.Reading, deviceID int64) error {
	return s.inTx(ctx, "save_reading", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO readings (device_id, ts_ms, recorded_at_ms, total_liters, flow_lmin) VALUES (?, ?, ?, ?, ?)`),
			deviceID, r.TimestampMillis, s.now().UnixMilli(), r.TotalLiters, r.FlowLmin,
		)
		return err
	})
}

func (s *SQLStore) ListReadings(ctx context.Context, q ReadingQuery) ([]model.StoredReading, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultReadingLimit
	}
	if limit > maxReadingLimit {
		limit = maxReadingLimit
	}
	var where []string
	var args []any
	if q.Serial != "" {
		where = append(where, "d.serial = ?")
		args = append(args, q.Serial)
	}
	if q.From > 0 {
		where = append(where, "r.ts_ms >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		where = append(where, "r.ts_ms <= ?")
		args = append(args, q.To)
	}
	query := `SELECT r.id, r.device_id, d.serial, r.ts_ms, r.total_liters, r.flow_lmin
		FROM readings r JOIN devices d ON d.id = r.device_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	ranged := q.From > 0 || q.To > 0
	if ranged {
		query += " ORDER BY r.ts_ms ASC, r.id ASC LIMIT ?"
	} else {
		query += " ORDER BY r.ts_ms DESC, r.id DESC LIMIT ?"
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.StoredReading, 0)
	for rows.Next() {
		var sr model.StoredReading
		if err := rows.Scan(&sr.ID, &sr.DeviceID, &sr.Serial, &sr.TimestampMillis, &sr.TotalLiters, &sr.FlowLmin); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !ranged {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *SQLStore) SaveAlert(ctx context.Context, a model.Alert) (int64, error) {
	if a.Kind == "" {
		a.Kind = model.AlertKindLeak
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = s.now()
	}
	var device sql.NullInt64
	if a.DeviceID != nil {
		device = sql.NullInt64{Int64: *a.DeviceID, Valid: true}
	}
	var id int64
	err := s.inTx(ctx, "save_alert", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO alerts (device_id, serial, kind, message, threshold, flow_lmin, peak_flow, total_liters, duration_seconds, detected_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			device, a.Serial, a.Kind, a.Message, a.Threshold, a.FlowLmin, a.PeakFlow, a.TotalLiters, a.DurationSeconds,
			a.DetectedAt.UnixMilli(),
		).Scan(&id)
	})
	return id, err
}

const alertColumns = `id, device_id, serial, kind, message, threshold, flow_lmin, peak_flow, total_liters, duration_seconds, detected_at_ms, resolved_at_ms`

func (s *SQLStore) GetAlert(ctx context.Context, id int64) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrAlertNotFound
	}
	return a, err
}

// ResolveAlert stamps resolved_at once; resolving an already-resolved alert leaves it unchanged.
func (s *SQLStore) ResolveAlert(ctx context.Context, id int64) (model.Alert, error) {
	var out model.Alert
	err := s.inTx(ctx, "resolve_alert", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE alerts SET resolved_at_ms = ? WHERE id = ? AND resolved_at_ms IS NULL`),
			s.now().UnixMilli(), id,
		); err != nil {
			return err
		}
		a, err := scanAlert(tx.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id))
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrAlertNotFound
	}
	return out, err
}

func (s *SQLStore) ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if q.UnresolvedOnly {
		query += ` WHERE resolved_at_ms IS NULL`
	}
	query += ` ORDER BY detected_at_ms DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// inTx runs fn in its own transaction: commit on success, rollback on any error.
func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return &PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var customer sql.NullInt64
	if err := row.Scan(&d.ID, &d.Serial, &d.Model, &customer, &d.Status); err != nil {
		return model.Device{}, err
	}
	if customer.Valid {
		v := customer.Int64
		d.CustomerID = &v
	}
	return d, nil
}

func scanAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var device, resolved sql.NullInt64
	var threshold, flow, peak, total, duration sql.NullFloat64
	var detected int64
	if err := row.Scan(&a.ID, &device, &a.Serial, &a.Kind, &a.Message,
		&threshold, &flow, &peak, &total, &duration, &detected, &resolved); err != nil {
		return model.Alert{}, err
	}
	if device.Valid {
		v := device.Int64
		a.DeviceID = &v
	}
	a.Threshold = threshold.Float64
	a.FlowLmin = flow.Float64
	a.PeakFlow = peak.Float64
	a.TotalLiters = total.Float64
	a.DurationSeconds = duration.Float64
	a.DetectedAt = time.UnixMilli(detected).UTC()
	if resolved.Valid {
		ts := time.UnixMilli(resolved.Int64).UTC()
		a.ResolvedAt = &ts
	}
	return a, nil
}
