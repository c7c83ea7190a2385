package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetcherd.db")
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileDurable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestLogStore_WriteAndRead(t *testing.T) {
	db := newTestDB(t)
	store := NewLogStore(db.Conn(), zerolog.Nop())

	require.NoError(t, store.Write(SeverityInfo, "cycle started", map[string]interface{}{"cycle_id": 1}))
	require.NoError(t, store.Write(SeverityError, "fetch failed", map[string]interface{}{"ticker": "AAPL"}))

	entries, total, err := store.Read(10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "fetch failed", entries[0].Message, "entries are ordered newest-first")
	assert.Equal(t, "AAPL", entries[0].Context["ticker"])
}

func TestLogStore_ReadFiltersBySeverity(t *testing.T) {
	db := newTestDB(t)
	store := NewLogStore(db.Conn(), zerolog.Nop())

	require.NoError(t, store.Write(SeverityInfo, "info message", nil))
	require.NoError(t, store.Write(SeverityError, "error message", nil))

	entries, total, err := store.Read(10, 0, SeverityError)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "error message", entries[0].Message)
}

func TestLogStore_ReadFiltersByWarningAndCriticalSeverity(t *testing.T) {
	db := newTestDB(t)
	store := NewLogStore(db.Conn(), zerolog.Nop())

	require.NoError(t, store.Write(SeverityWarn, "slow cycle", nil))
	require.NoError(t, store.Write(SeverityCritical, "disk nearly full", nil))

	entries, total, err := store.Read(10, 0, SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "disk nearly full", entries[0].Message)
	assert.Equal(t, SeverityCritical, entries[0].Severity)
}

func TestLogStore_PurgeOlderThan(t *testing.T) {
	db := newTestDB(t)
	store := NewLogStore(db.Conn(), zerolog.Nop())

	require.NoError(t, store.Write(SeverityInfo, "recent", nil))

	old := time.Now().AddDate(0, 0, -40).Unix()
	_, err := db.Conn().Exec(`INSERT INTO fetcher_logs (timestamp, level, message, context) VALUES (?, ?, ?, ?)`,
		old, "info", "ancient", "{}")
	require.NoError(t, err)

	purged, err := store.PurgeOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, total, err := store.Read(10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
