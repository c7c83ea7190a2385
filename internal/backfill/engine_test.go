package backfill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/fetcherd/fetcherd/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns a queued sequence of results, one per call.
type scriptedFetcher struct {
	calls   int
	results []func() ([]priceclient.PricePoint, int, error)
}

func (f *scriptedFetcher) FetchRange(ctx context.Context, ticker string, from, to time.Time) ([]priceclient.PricePoint, int, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]()
}

func newHarness(t *testing.T, fetcher PriceFetcher, maxAttempts int) (*Engine, *pricestore.Store, *database.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetcherd.db")
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileDurable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.New(nil).Level(zerolog.Disabled)
	store := pricestore.New(db.Conn(), log)
	limiter := ratelimit.New(time.Millisecond, 100000)
	engine := New(db.Conn(), fetcher, store, limiter, maxAttempts, log)

	return engine, store, db
}

func okResult(n int) func() ([]priceclient.PricePoint, int, error) {
	return func() ([]priceclient.PricePoint, int, error) {
		points := make([]priceclient.PricePoint, n)
		for i := range points {
			points[i] = priceclient.PricePoint{Timestamp: time.Now().Add(-time.Duration(i) * time.Hour), Close: 100 + float64(i)}
		}
		return points, 0, nil
	}
}

func throttledResult() ([]priceclient.PricePoint, int, error) {
	return nil, 0, &priceclient.FetchError{Kind: priceclient.KindThrottled, Ticker: "AAPL"}
}

func transientResult() ([]priceclient.PricePoint, int, error) {
	return nil, 0, &priceclient.FetchError{Kind: priceclient.KindTransient, Ticker: "AAPL"}
}

func notFoundResult() ([]priceclient.PricePoint, int, error) {
	return nil, 0, &priceclient.FetchError{Kind: priceclient.KindNotFound, Ticker: "NOPE"}
}

func TestEnqueue_MergesOverlappingJobsForSameAsset(t *testing.T) {
	engine, store, _ := newHarness(t, &scriptedFetcher{}, 5)
	assetID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "AAPL", Exchange: "NASDAQ"})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-1, 0, 0), now))
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-2, 0, 0), now))

	var count int
	require.NoError(t, engine.db.QueryRow(`SELECT COUNT(*) FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&count))
	assert.Equal(t, 1, count, "overlapping enqueue for the same asset must merge, not duplicate")
}

func TestRunOnce_FreshBackfillReachesCompleted(t *testing.T) {
	fetcher := &scriptedFetcher{results: []func() ([]priceclient.PricePoint, int, error){okResult(250)}}
	engine, store, _ := newHarness(t, fetcher, 5)

	assetID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "AAPL", Exchange: "NASDAQ"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-1, 0, 0), now))

	ran, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	var status string
	require.NoError(t, engine.db.QueryRow(`SELECT status FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&status))
	assert.Equal(t, string(StateCompleted), status)

	var rowCount int
	require.NoError(t, engine.db.QueryRow(`SELECT COUNT(*) FROM asset_prices WHERE asset_id = ?`, assetID).Scan(&rowCount))
	assert.GreaterOrEqual(t, rowCount, 200)
}

func TestRunOnce_ThrottledThenSucceeds(t *testing.T) {
	fetcher := &scriptedFetcher{results: []func() ([]priceclient.PricePoint, int, error){throttledResult, okResult(10)}}
	engine, store, _ := newHarness(t, fetcher, 5)

	assetID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "AAPL", Exchange: "NASDAQ"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-1, 0, 0), now))

	ran, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	var status string
	var throttleAttempts int
	require.NoError(t, engine.db.QueryRow(`SELECT status, throttle_attempts FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&status, &throttleAttempts))
	assert.Equal(t, string(StateRateLimited), status)
	assert.Equal(t, 1, throttleAttempts)

	// Simulate retry_after having elapsed.
	_, err = engine.db.Exec(`UPDATE backfill_queue SET retry_after = ? WHERE asset_id = ?`, time.Now().Add(-time.Second).Unix(), assetID)
	require.NoError(t, err)

	ran, err = engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	require.NoError(t, engine.db.QueryRow(`SELECT status FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&status))
	assert.Equal(t, string(StateCompleted), status)
}

func TestRunOnce_PermanentTransientFailureReachesFailedAtMaxAttempts(t *testing.T) {
	results := make([]func() ([]priceclient.PricePoint, int, error), 10)
	for i := range results {
		results[i] = transientResult
	}
	fetcher := &scriptedFetcher{results: results}
	engine, store, _ := newHarness(t, fetcher, 5)

	assetID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "AAPL", Exchange: "NASDAQ"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-1, 0, 0), now))

	for i := 0; i < 5; i++ {
		ran, err := engine.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, ran)

		// Force retry_after into the past so the next RunOnce can reclaim it
		// immediately instead of waiting out the real backoff.
		_, err = engine.db.Exec(`UPDATE backfill_queue SET retry_after = ? WHERE asset_id = ? AND status = 'pending'`,
			time.Now().Add(-time.Second).Unix(), assetID)
		require.NoError(t, err)
	}

	var status string
	var attempts int
	var lastError string
	require.NoError(t, engine.db.QueryRow(`SELECT status, attempts, error_message FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&status, &attempts, &lastError))
	assert.Equal(t, string(StateFailed), status)
	assert.Equal(t, 5, attempts)
	assert.NotEmpty(t, lastError)
}

func TestRunOnce_NotFoundFailsImmediately(t *testing.T) {
	fetcher := &scriptedFetcher{results: []func() ([]priceclient.PricePoint, int, error){notFoundResult}}
	engine, store, _ := newHarness(t, fetcher, 5)

	assetID, err := store.UpsertCatalog(pricestore.AssetDescriptor{Symbol: "NOPE", Exchange: "NASDAQ"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, engine.Enqueue(assetID, now.AddDate(-1, 0, 0), now))

	ran, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	var status string
	var attempts int
	require.NoError(t, engine.db.QueryRow(`SELECT status, attempts FROM backfill_queue WHERE asset_id = ?`, assetID).Scan(&status, &attempts))
	assert.Equal(t, string(StateFailed), status)
	assert.Equal(t, 0, attempts, "NotFound must fail immediately without consuming a retry attempt")
}

func TestRunOnce_NoEligibleJobsReturnsFalse(t *testing.T) {
	engine, _, _ := newHarness(t, &scriptedFetcher{}, 5)

	ran, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestStateMachine_RejectsIllegalTransitions(t *testing.T) {
	assert.True(t, canTransition(StatePending, StateInProgress))
	assert.True(t, canTransition(StateInProgress, StateCompleted))
	assert.False(t, canTransition(StateCompleted, StatePending))
	assert.False(t, canTransition(StateFailed, StateInProgress))
	assert.False(t, canTransition(StatePending, StateCompleted))
}

func TestEngine_TransitionFunctionsRejectIllegalSourceState(t *testing.T) {
	engine, _, _ := newHarness(t, &scriptedFetcher{}, 5)

	job := &Job{ID: 1, AssetID: 1, State: StateCompleted}

	assert.Error(t, engine.transitionCompleted(job))
	assert.Error(t, engine.transitionFailed(job, assertErr{}))
	assert.Error(t, engine.transitionTransientFailure(job, assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
