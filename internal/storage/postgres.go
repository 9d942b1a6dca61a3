package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	positional: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			serial TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL DEFAULT '',
			customer_id BIGINT,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id),
			ts_ms BIGINT NOT NULL,
			recorded_at_ms BIGINT NOT NULL,
			total_liters DOUBLE PRECISION NOT NULL,
			flow_lmin DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT REFERENCES devices(id),
			serial TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'leak',
			message TEXT NOT NULL,
			threshold DOUBLE PRECISION,
			flow_lmin DOUBLE PRECISION,
			peak_flow DOUBLE PRECISION,
			total_liters DOUBLE PRECISION,
			duration_seconds DOUBLE PRECISION,
			detected_at_ms BIGINT NOT NULL,
			resolved_at_ms BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_serial ON alerts(serial)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved_at_ms)`,
	},
}

func NewPostgres(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/flowguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, postgresDialect), nil
}
