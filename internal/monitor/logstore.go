// Package monitor implements the append-only structured log store and the
// rolling-window cycle statistics that back the daemon's observability
// surface.
package monitor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Severity is the log store's level vocabulary: debug, info, warning, error,
// critical. Two of these differ from zerolog's level names, which are "warn"
// and "fatal".
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LogEntry is one row of the append-only log store.
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	Severity  Severity
	Message   string
	Context   map[string]interface{}
}

// LogStore persists structured log entries to fetcher_logs. It is the only
// writer of that table.
type LogStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogStore builds a LogStore.
func NewLogStore(db *sql.DB, log zerolog.Logger) *LogStore {
	return &LogStore{db: db, log: log.With().Str("component", "log_store").Logger()}
}

// Write appends one entry. Context is marshaled to JSON; a nil context is
// stored as an empty object.
func (s *LogStore) Write(severity Severity, message string, context map[string]interface{}) error {
	if context == nil {
		context = map[string]interface{}{}
	}
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return fmt.Errorf("marshal log context: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO fetcher_logs (timestamp, level, message, context) VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), string(severity), message, string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

// Read returns entries ordered by timestamp descending, optionally filtered
// by severity, along with the total matching row count (ignoring limit/offset).
func (s *LogStore) Read(limit, offset int, severityFilter Severity) ([]LogEntry, int, error) {
	var total int
	var countErr error
	if severityFilter == "" {
		countErr = s.db.QueryRow(`SELECT COUNT(*) FROM fetcher_logs`).Scan(&total)
	} else {
		countErr = s.db.QueryRow(`SELECT COUNT(*) FROM fetcher_logs WHERE level = ?`, string(severityFilter)).Scan(&total)
	}
	if countErr != nil {
		return nil, 0, fmt.Errorf("count log entries: %w", countErr)
	}

	var rows *sql.Rows
	var err error
	if severityFilter == "" {
		rows, err = s.db.Query(
			`SELECT id, timestamp, level, message, context FROM fetcher_logs
			 ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, timestamp, level, message, context FROM fetcher_logs
			 WHERE level = ? ORDER BY timestamp DESC LIMIT ? OFFSET ?`, string(severityFilter), limit, offset,
		)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		var severity, contextJSON string
		if err := rows.Scan(&e.ID, &ts, &severity, &e.Message, &contextJSON); err != nil {
			return nil, 0, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Severity = Severity(severity)
		e.Context = map[string]interface{}{}
		_ = json.Unmarshal([]byte(contextJSON), &e.Context)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// PurgeOlderThan deletes entries older than the given number of days and
// returns the number of rows removed.
func (s *LogStore) PurgeOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	res, err := s.db.Exec(`DELETE FROM fetcher_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge log entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	s.log.Info().Int64("purged", n).Int("retention_days", days).Msg("purged old log entries")
	return n, nil
}
