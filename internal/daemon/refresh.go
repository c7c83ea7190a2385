package daemon

import (
	"context"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/fetcherd/fetcherd/internal/ratelimit"
	"github.com/fetcherd/fetcherd/internal/revaluation"
	"github.com/rs/zerolog"
)

// CurrentFetcher is the subset of priceclient.Client the refresh cycle
// needs; an interface so tests can substitute scripted responses.
type CurrentFetcher interface {
	FetchCurrent(ctx context.Context, ticker string) (*priceclient.PricePoint, error)
}

// RefreshCycle is the Scheduler's fixed-cadence job: pull one current price
// per tracked asset, then revalue portfolios on a successful cycle. It
// implements the same Job interface (Name/Run) every other scheduled task
// in this daemon does, so it plugs into the same cron wrapper.
type RefreshCycle struct {
	store       *pricestore.Store
	client      CurrentFetcher
	limiter     *ratelimit.Limiter
	stats       *monitor.Stats
	logStore    *monitor.LogStore
	revaluator  *revaluation.Revaluator
	log         zerolog.Logger
}

// RefreshCycleConfig bundles a RefreshCycle's collaborators.
type RefreshCycleConfig struct {
	Store      *pricestore.Store
	Client     CurrentFetcher
	Limiter    *ratelimit.Limiter
	Stats      *monitor.Stats
	LogStore   *monitor.LogStore
	Revaluator *revaluation.Revaluator
	Log        zerolog.Logger
}

// NewRefreshCycle builds a RefreshCycle.
func NewRefreshCycle(cfg RefreshCycleConfig) *RefreshCycle {
	return &RefreshCycle{
		store:      cfg.Store,
		client:     cfg.Client,
		limiter:    cfg.Limiter,
		stats:      cfg.Stats,
		logStore:   cfg.LogStore,
		revaluator: cfg.Revaluator,
		log:        cfg.Log.With().Str("job", "refresh_cycle").Logger(),
	}
}

// Name satisfies the scheduler.Job interface.
func (j *RefreshCycle) Name() string { return "refresh_cycle" }

// Run executes one refresh cycle: every tracked asset is refreshed
// sequentially and in isolation, a cycle succeeds under the "at least one
// asset succeeded" policy (see the policy note logged alongside the
// cycle-complete line), and a successful cycle triggers portfolio
// revaluation.
func (j *RefreshCycle) Run() error {
	return j.RunWithContext(context.Background())
}

// RunWithContext is Run with an explicit context, used so the daemon can
// cancel an in-flight cycle on shutdown.
func (j *RefreshCycle) RunWithContext(ctx context.Context) error {
	cycleID := j.stats.BeginCycle()
	start := time.Now()
	_ = j.logStore.Write(monitor.SeverityInfo, "cycle started", map[string]interface{}{"cycle_id": cycleID})

	var assetIDs []int64
	err := database.WithRetry(func() error {
		var err error
		assetIDs, err = j.store.ListTracked()
		return err
	})
	if err != nil {
		duration := time.Since(start).Seconds()
		j.stats.EndCycle(cycleID, false, duration)
		_ = j.logStore.Write(monitor.SeverityError, "cycle failed to list tracked assets", map[string]interface{}{
			"cycle_id": cycleID, "error": err.Error(),
		})
		return err
	}

	succeeded := 0
	for _, assetID := range assetIDs {
		if ctx.Err() != nil {
			break
		}
		if j.refreshOne(ctx, assetID) {
			succeeded++
		}
	}

	// At-least-one-ok policy: a cycle with tracked assets is successful iff
	// at least one of them updated cleanly. An empty tracked set is treated
	// as a trivially successful cycle (there was nothing to fail on).
	success := len(assetIDs) == 0 || succeeded > 0
	duration := time.Since(start).Seconds()
	j.stats.EndCycle(cycleID, success, duration)

	_ = j.logStore.Write(monitor.SeverityInfo, "cycle completed", map[string]interface{}{
		"cycle_id": cycleID, "success": success, "policy": "at_least_one_ok",
		"assets_total": len(assetIDs), "assets_succeeded": succeeded, "duration_seconds": duration,
	})

	if success && j.revaluator != nil {
		updated, failed, err := j.revaluator.RecalculateAll()
		if err != nil {
			_ = j.logStore.Write(monitor.SeverityError, "portfolio revaluation failed", map[string]interface{}{"error": err.Error()})
		} else {
			_ = j.logStore.Write(monitor.SeverityInfo, "portfolio revaluation completed", map[string]interface{}{
				"updated": updated, "failed": failed,
			})
		}
	}

	return nil
}

// refreshOne fetches and records the current price for one asset. Errors
// are recorded in the update audit and swallowed: a single asset's failure
// never aborts the cycle.
func (j *RefreshCycle) refreshOne(ctx context.Context, assetID int64) bool {
	start := time.Now()

	var symbol string
	err := database.WithRetry(func() error {
		var err error
		symbol, err = j.store.Symbol(assetID)
		return err
	})
	if err != nil {
		j.recordUpdate(assetID, time.Now(), nil, false, err, time.Since(start).Milliseconds())
		j.log.Error().Err(err).Int64("asset_id", assetID).Msg("failed to resolve symbol")
		return false
	}

	if err := j.limiter.Acquire(ctx); err != nil {
		j.recordUpdate(assetID, time.Now(), nil, false, err, time.Since(start).Milliseconds())
		return false
	}

	point, err := j.client.FetchCurrent(ctx, symbol)
	if err != nil {
		j.recordUpdate(assetID, time.Now(), nil, false, err, time.Since(start).Milliseconds())
		j.log.Warn().Err(err).Str("symbol", symbol).Msg("refresh fetch failed")
		return false
	}

	err = database.WithRetry(func() error {
		_, _, err := j.store.BulkInsert(assetID, []priceclient.PricePoint{*point})
		return err
	})
	if err != nil {
		j.recordUpdate(assetID, time.Now(), nil, false, err, time.Since(start).Milliseconds())
		j.log.Error().Err(err).Str("symbol", symbol).Msg("refresh insert failed")
		return false
	}

	closePrice := point.Close
	if err := j.recordUpdate(assetID, point.Timestamp, &closePrice, true, nil, time.Since(start).Milliseconds()); err != nil {
		j.log.Error().Err(err).Str("symbol", symbol).Msg("failed to record successful update")
		return false
	}

	return true
}

// recordUpdate writes the update audit row, retrying once on a database
// disconnection per the daemon's recovery policy.
func (j *RefreshCycle) recordUpdate(assetID int64, at time.Time, closeOrNil *float64, success bool, errOrNil error, durationMS int64) error {
	return database.WithRetry(func() error {
		return j.store.RecordUpdate(assetID, at, closeOrNil, success, errOrNil, durationMS)
	})
}
