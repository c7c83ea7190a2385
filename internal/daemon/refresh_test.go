package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/fetcherd/fetcherd/internal/ratelimit"
	"github.com/fetcherd/fetcherd/internal/revaluation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCurrentFetcher struct {
	byTicker map[string]func() (*priceclient.PricePoint, error)
}

func (f *scriptedCurrentFetcher) FetchCurrent(ctx context.Context, ticker string) (*priceclient.PricePoint, error) {
	fn, ok := f.byTicker[ticker]
	if !ok {
		return nil, fmt.Errorf("unscripted ticker %s", ticker)
	}
	return fn()
}

func newDaemonTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetcherd.db")
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileDurable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestRefreshCycle_MixedOutcomesStillRecordsBoth(t *testing.T) {
	db := newDaemonTestDB(t)
	log := zerolog.Nop()
	store := pricestore.New(db.Conn(), log)

	okID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "AAPL", Exchange: "NASDAQ"})
	require.NoError(t, err)
	badID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "NOPE", Exchange: "NASDAQ"})
	require.NoError(t, err)
	_, err = store.IncrementTracking(okID)
	require.NoError(t, err)
	_, err = store.IncrementTracking(badID)
	require.NoError(t, err)

	fetcher := &scriptedCurrentFetcher{byTicker: map[string]func() (*priceclient.PricePoint, error){
		"AAPL": func() (*priceclient.PricePoint, error) {
			return &priceclient.PricePoint{Timestamp: time.Now(), Close: 123.45}, nil
		},
		"NOPE": func() (*priceclient.PricePoint, error) {
			return nil, &priceclient.FetchError{Kind: priceclient.KindNotFound, Ticker: "NOPE"}
		},
	}}

	limiter := ratelimit.New(time.Millisecond, 100000)
	stats := monitor.NewStats(db.Conn(), store, nil, time.Now(), log)
	logStore := monitor.NewLogStore(db.Conn(), log)
	revaluator := revaluation.New(db.Conn(), log)

	cycle := NewRefreshCycle(RefreshCycleConfig{
		Store: store, Client: fetcher, Limiter: limiter, Stats: stats,
		LogStore: logStore, Revaluator: revaluator, Log: log,
	})

	require.NoError(t, cycle.RunWithContext(context.Background()))

	var successRows, failureRows int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM price_update_log WHERE success = 1`).Scan(&successRows))
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM price_update_log WHERE success = 0`).Scan(&failureRows))
	assert.Equal(t, 1, successRows)
	assert.Equal(t, 1, failureRows)

	var priceRows int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM asset_prices WHERE asset_id = ?`, okID).Scan(&priceRows))
	assert.Equal(t, 1, priceRows)

	snap, err := stats.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TotalCycles)
	assert.Equal(t, int64(1), snap.SuccessfulCycles, "at-least-one-ok policy: one success is enough")
}

func TestRefreshCycle_EmptyTrackedSetIsSuccessful(t *testing.T) {
	db := newDaemonTestDB(t)
	log := zerolog.Nop()
	store := pricestore.New(db.Conn(), log)
	fetcher := &scriptedCurrentFetcher{byTicker: map[string]func() (*priceclient.PricePoint, error){}}
	limiter := ratelimit.New(time.Millisecond, 100000)
	stats := monitor.NewStats(db.Conn(), store, nil, time.Now(), log)
	logStore := monitor.NewLogStore(db.Conn(), log)

	cycle := NewRefreshCycle(RefreshCycleConfig{
		Store: store, Client: fetcher, Limiter: limiter, Stats: stats, LogStore: logStore, Log: log,
	})

	require.NoError(t, cycle.RunWithContext(context.Background()))

	snap, err := stats.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.SuccessfulCycles)
}
