// Package daemon owns the fetcher's process lifecycle: it wires the rate
// limiter, price client, price store, backfill engine, monitor, and
// portfolio revaluation into one long-running service and drives them
// through the refresh cycle, the backfill worker pool, the transaction
// notification listener, and the log-retention sweep.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/fetcherd/fetcherd/internal/backfill"
	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// retentionSchedule runs the log-retention sweep daily at 03:15.
const retentionSchedule = "0 15 3 * * *"

// Config bundles every collaborator the daemon wires together.
type Config struct {
	DB               *database.DB
	Store            *pricestore.Store
	Engine           *backfill.Engine
	Stats            *monitor.Stats
	LogStore         *monitor.LogStore
	Registry         *monitor.Registry
	Refresh          *RefreshCycle
	Notifier         *Notifier
	UpdateInterval   time.Duration
	SnapshotInterval time.Duration
	LogRetentionDays int
	BackfillWorkers  int
	ShutdownGrace    time.Duration
	Log              zerolog.Logger
}

// Daemon is the Scheduler component of the fetcher core.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	scheduler *cronScheduler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Daemon from its wired collaborators.
func New(cfg Config) *Daemon {
	return &Daemon{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "daemon").Logger(),
	}
}

// Start begins every background loop: the refresh cycle, the snapshot
// persistence cadence, the notification listener, the backfill worker
// pool, and the daily log-retention sweep. It returns once all loops have
// been launched; Stop blocks until they exit.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	startedAt := time.Now()
	d.log.Info().Msg("daemon starting")

	if err := d.recoverInFlightJobs(); err != nil {
		d.log.Error().Err(err).Msg("failed to recover in-flight backfill jobs")
	}

	initialSnap, err := d.cfg.Stats.Snapshot()
	if err != nil {
		d.log.Error().Err(err).Msg("failed to compute initial snapshot")
	} else if err := d.cfg.Stats.Persist(initialSnap); err != nil {
		d.log.Error().Err(err).Msg("failed to persist initial snapshot")
	}

	d.scheduler = newCronScheduler(d.log)
	if err := d.scheduler.addJob(retentionSchedule, retentionJob{logStore: d.cfg.LogStore, days: d.cfg.LogRetentionDays, log: d.log}); err != nil {
		return err
	}
	d.scheduler.start()

	d.wg.Add(1)
	go d.refreshLoop(runCtx)

	d.wg.Add(1)
	go d.snapshotLoop(runCtx)

	d.wg.Add(1)
	go d.notificationLoop(runCtx)

	workers := d.cfg.BackfillWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.backfillWorker(runCtx)
	}

	d.log.Info().Dur("uptime_since_start", time.Since(startedAt)).Int("backfill_workers", workers).Msg("daemon started")
	return nil
}

// Stop signals every loop to exit, writes a final snapshot, and waits up to
// the configured grace period for loops to finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.log.Info().Msg("daemon stopping")
	if d.cancel != nil {
		d.cancel()
	}
	if d.scheduler != nil {
		d.scheduler.stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := d.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn().Dur("grace", grace).Msg("shutdown grace period elapsed, proceeding anyway")
	case <-ctx.Done():
	}

	if snap, err := d.cfg.Stats.Snapshot(); err == nil {
		_ = d.cfg.Stats.Persist(snap)
	}

	d.log.Info().Msg("daemon stopped")
	return nil
}

// recoverInFlightJobs resets any job left in_progress by a prior crash back
// to pending so it is picked up again; non-terminal jobs need no other
// action since the queue itself (not an in-memory structure) is already
// their authoritative store.
func (d *Daemon) recoverInFlightJobs() error {
	return d.cfg.Engine.RecoverInFlight()
}

// refreshLoop drives the fixed-interval refresh cycle. The interval is
// measured from the start of one cycle to the scheduled start of the next;
// an overrunning cycle's successor starts immediately rather than queuing.
func (d *Daemon) refreshLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		cycleStart := time.Now()

		if err := d.cfg.Refresh.RunWithContext(ctx); err != nil {
			d.log.Error().Err(err).Msg("refresh cycle error")
		}

		if ctx.Err() != nil {
			return
		}

		elapsed := time.Since(cycleStart)
		wait := d.cfg.UpdateInterval - elapsed
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// snapshotLoop persists a statistics snapshot on a fixed cadence
// independent of cycle activity.
func (d *Daemon) snapshotLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := d.cfg.Stats.Snapshot()
			if err != nil {
				d.log.Error().Err(err).Msg("failed to compute statistics snapshot")
				continue
			}
			if err := d.cfg.Stats.Persist(snap); err != nil {
				d.log.Error().Err(err).Msg("failed to persist statistics snapshot")
			}
			d.checkpointDatabase()
		}
	}
}

// checkpointDatabase forces a WAL checkpoint so the append-heavy price and
// log writes don't grow the WAL file unbounded, then republishes the
// resulting size/fragmentation stats on the db_* gauges.
func (d *Daemon) checkpointDatabase() {
	if d.cfg.DB == nil {
		return
	}

	if err := d.cfg.DB.WALCheckpoint(""); err != nil {
		d.log.Warn().Err(err).Msg("wal checkpoint failed")
	}

	dbStats, err := d.cfg.DB.GetStats()
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to sample database stats")
		return
	}
	if d.cfg.Registry != nil {
		d.cfg.Registry.SetDBStats(dbStats)
	}
}

// notificationLoop handles transaction_created events: it increments the
// tracking count and, for a newly-tracked or previously-uncovered asset,
// enqueues a year of backfill.
func (d *Daemon) notificationLoop(ctx context.Context) {
	defer d.wg.Done()

	events := d.cfg.Notifier.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			d.handleTransactionCreated(event)
		}
	}
}

func (d *Daemon) handleTransactionCreated(event TransactionEvent) {
	traceID := uuid.New().String()[:8]
	log := d.log.With().Str("trace_id", traceID).Int64("transaction_id", event.TransactionID).Logger()

	count, err := d.cfg.Store.IncrementTracking(event.AssetID)
	if err != nil {
		log.Error().Err(err).Int64("asset_id", event.AssetID).Msg("failed to increment tracking")
		return
	}

	hasCoverage, err := d.cfg.Store.HasCoverage(event.AssetID)
	if err != nil {
		log.Error().Err(err).Int64("asset_id", event.AssetID).Msg("failed to check coverage")
		return
	}

	if count != 1 && hasCoverage {
		log.Debug().Int64("asset_id", event.AssetID).Msg("asset already has coverage, skipping backfill")
		return
	}

	start := event.Timestamp.AddDate(-1, 0, 0)
	end := time.Now()
	if err := d.cfg.Engine.Enqueue(event.AssetID, start, end); err != nil {
		log.Error().Err(err).Int64("asset_id", event.AssetID).Msg("failed to enqueue backfill job")
		return
	}
	log.Info().Int64("asset_id", event.AssetID).Msg("enqueued backfill job from transaction notification")
}

// backfillWorker repeatedly drains one job at a time from the backfill
// queue, backing off briefly when there is nothing eligible to claim.
func (d *Daemon) backfillWorker(ctx context.Context) {
	defer d.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		ran, err := d.cfg.Engine.RunOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("backfill worker error")
		}

		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// retentionJob is the daily log-retention sweep.
type retentionJob struct {
	logStore *monitor.LogStore
	days     int
	log      zerolog.Logger
}

func (j retentionJob) Name() string { return "log_retention" }

func (j retentionJob) Run() error {
	purged, err := j.logStore.PurgeOlderThan(j.days)
	if err != nil {
		return err
	}
	j.log.Info().Int64("purged", purged).Msg("log retention sweep complete")
	return nil
}
