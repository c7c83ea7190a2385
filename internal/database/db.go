// Package database provides the sqlite connection and schema management
// shared by every fetcherd component.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed schema.sql
var schemaSQL string

// Profile selects PRAGMA tuning appropriate to the access pattern of the
// caller. fetcherd owns a single file, but "durable audit trail" writes
// (backfill queue, price store) warrant different durability guarantees than
// purely recomputable ones, so both tuning profiles are kept for that single
// file rather than collapsed into one.
type Profile string

const (
	// ProfileDurable favors safety: fsync at every checkpoint, foreign keys on.
	ProfileDurable Profile = "durable"
	// ProfileCache favors throughput for data that can be recomputed.
	ProfileCache Profile = "cache"
)

// DB wraps *sql.DB with production tuning and the operations every
// fetcherd component needs to recover from a database-kind error.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
}

// Config configures a new DB.
type Config struct {
	Path    string
	Profile Profile
}

// New opens (creating if needed) the sqlite database at cfg.Path.
func New(cfg Config) (*DB, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
	}
	if dir := filepath.Dir(absPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	cfg.Path = absPath

	if cfg.Profile == "" {
		cfg.Profile = ProfileDurable
	}

	connStr := buildConnectionString(cfg.Path, cfg.Profile)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configureConnectionPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile}, nil
}

func buildConnectionString(path string, profile Profile) string {
	connStr := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=auto_vacuum(FULL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	default: // ProfileDurable
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)" // 64MB, negative = KB

	return connStr
}

func configureConnectionPool(conn *sql.DB) {
	// Bounded pool: default size 4, matching the acquisition timeout budget callers apply.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(1 * time.Hour)
	conn.SetConnMaxIdleTime(10 * time.Minute)
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Conn returns the underlying *sql.DB for repositories to query directly.
func (db *DB) Conn() *sql.DB { return db.conn }

// Path returns the resolved database file path.
func (db *DB) Path() string { return db.path }

// Migrate applies the embedded schema. Statements use CREATE TABLE/INDEX IF
// NOT EXISTS, so this is safe to call on every startup.
func (db *DB) Migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}

	if _, err := tx.Exec(schemaSQL); err != nil {
		_ = tx.Rollback()
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	return nil
}

// HealthCheck pings the database and runs a PRAGMA integrity_check; it backs
// the /healthz endpoint.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// WALCheckpoint forces a WAL checkpoint, keeping the single database file
// from growing unbounded under the append-heavy price/log workload. Called
// by the daemon on its snapshot cadence.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// Stats reports basic size/fragmentation metrics, surfaced via /metrics
// through monitor.Registry.SetDBStats.
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	FreelistCount int64
}

// GetStats retrieves database size and fragmentation statistics.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if info, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	if info, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = info.Size()
	}
	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA freelist_count").Scan(&stats.FreelistCount); err != nil {
		return nil, fmt.Errorf("failed to get freelist count: %w", err)
	}

	return stats, nil
}

// WithRetry runs op once, and on failure retries exactly once after 1s. This
// is the fetcher's database-disconnection recovery policy: refresh and
// backfill DB operations wrap their calls in WithRetry rather than failing
// or moving on at the first error.
func WithRetry(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	time.Sleep(1 * time.Second)
	return op()
}
