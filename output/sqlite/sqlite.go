// Package sqlite stores numeric record fields in a local SQLite database, one row per field.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS reading (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    measurement TEXT NOT NULL,
    mac TEXT NOT NULL,
    name TEXT NOT NULL,
    field TEXT NOT NULL,
    value REAL NOT NULL,
    time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reading_mac_time ON reading(mac, time DESC);
`

// Config holds the sqlite sink options
type Config struct {
	Path        string          `json:"path"`
	Retention   config.Duration `json:"retention"`
	BusyTimeout config.Duration `json:"busy_timeout"`
}

// DefaultConfig returns the sqlite sink defaults
func DefaultConfig() Config {
	return Config{
		Path:        "ruuvigw.db",
		BusyTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	if c.Retention.D() < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "retention cannot be negative")
	}
	return nil
}

// Reading is one stored field value
type Reading struct {
	Measurement string
	MAC         string
	Name        string
	Field       string
	Value       float64
	Time        time.Time
}

// Sink writes records into the reading table
type Sink struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	db        *sql.DB
	lastPrune time.Time
}

// Create builds a sqlite sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "sqlite-output", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{name: name, cfg: cfg, logger: logger}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

func (s *Sink) dsn() string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", s.cfg.Path, s.cfg.BusyTimeout.D().Milliseconds())
}

// Connect opens the database and creates the schema.
func (s *Sink) Connect(ctx context.Context) error {
	if dir := filepath.Dir(s.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapTransient(err, "sqlite-output", "Connect", "create database directory")
		}
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return errors.WrapFatal(err, "sqlite-output", "Connect", "open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return errors.WrapTransient(err, "sqlite-output", "Connect", "create schema")
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.logger.Info("SQLite sink opened", "path", s.cfg.Path)
	return nil
}

func (s *Sink) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "sqlite-output", "handle", "check database")
	}
	return s.db, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Publish inserts the numeric fields of every record in one transaction.
func (s *Sink) Publish(ctx context.Context, item *message.Item) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "sqlite-output", "Publish", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO reading (measurement, mac, name, field, value, time) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.WrapTransient(err, "sqlite-output", "Publish", "prepare insert")
	}
	defer stmt.Close()

	for _, r := range item.Records {
		mac := r.Tags[message.TagMAC]
		name := r.Tags[message.TagName]
		ts := r.Time
		if ts.IsZero() {
			ts = item.Enqueued
		}
		for field, v := range r.Fields {
			value, ok := numeric(v)
			if !ok {
				continue
			}
			if _, err := stmt.ExecContext(ctx, r.Measurement, mac, name, field, value, ts.UnixMicro()); err != nil {
				return errors.WrapTransient(err, "sqlite-output", "Publish", "insert reading")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "sqlite-output", "Publish", "commit")
	}

	s.prune(ctx, db)
	return nil
}

// prune deletes rows older than the retention, at most once a minute.
func (s *Sink) prune(ctx context.Context, db *sql.DB) {
	if s.cfg.Retention.D() == 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= time.Minute
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	cutoff := now.Add(-s.cfg.Retention.D()).UnixMicro()
	res, err := db.ExecContext(ctx, `DELETE FROM reading WHERE time < ?`, cutoff)
	if err != nil {
		s.logger.Warn("Failed to prune readings", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Pruned readings", "rows", n)
	}
}

// Latest returns the newest value of every field stored for mac.
func (s *Sink) Latest(ctx context.Context, mac string) ([]Reading, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.measurement, r.mac, r.name, r.field, r.value, r.time
		FROM reading r
		JOIN (SELECT field, MAX(time) AS t FROM reading WHERE mac = ? GROUP BY field) m
		  ON r.field = m.field AND r.time = m.t
		WHERE r.mac = ?
		ORDER BY r.field`, mac, mac)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlite-output", "Latest", "query readings")
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var rd Reading
		var micros int64
		if err := rows.Scan(&rd.Measurement, &rd.MAC, &rd.Name, &rd.Field, &rd.Value, &micros); err != nil {
			return nil, errors.WrapTransient(err, "sqlite-output", "Latest", "scan reading")
		}
		rd.Time = time.UnixMicro(micros).UTC()
		out = append(out, rd)
	}
	return out, rows.Err()
}

// Ping checks the database answers.
func (s *Sink) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "sqlite-output", "Ping", "ping database")
	}
	return nil
}

// Close closes the database.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return errors.Wrap(err, "sqlite-output", "Close", "close database")
	}
	return nil
}
