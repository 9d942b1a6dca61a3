package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL DEFAULT '',
			customer_id INTEGER,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES devices(id),
			ts_ms INTEGER NOT NULL,
			recorded_at_ms INTEGER NOT NULL,
			total_liters REAL NOT NULL,
			flow_lmin REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER REFERENCES devices(id),
			serial TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'leak',
			message TEXT NOT NULL,
			threshold REAL,
			flow_lmin REAL,
			peak_flow REAL,
			total_liters REAL,
			duration_seconds REAL,
			detected_at_ms INTEGER NOT NULL,
			resolved_at_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_serial ON alerts(serial)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved_at_ms)`,
	},
}

func NewSQLite(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:flowguard.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect), nil
}
