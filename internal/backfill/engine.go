// Package backfill implements the durable, resumable historical-price job
// queue.
package backfill

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/fetcherd/fetcherd/internal/pricestore"
	"github.com/fetcherd/fetcherd/internal/ratelimit"
	"github.com/rs/zerolog"
)

// PriceFetcher is the subset of priceclient.Client the engine needs; kept
// as an interface so tests can substitute scripted failures.
type PriceFetcher interface {
	FetchRange(ctx context.Context, ticker string, from, to time.Time) ([]priceclient.PricePoint, int, error)
}

// Engine drains BackfillJob rows from the database table that is their
// authoritative store: the queue is a database table, not an in-memory
// structure, so it survives process restarts.
type Engine struct {
	db          *sql.DB
	client      PriceFetcher
	store       *pricestore.Store
	limiter     *ratelimit.Limiter
	maxAttempts int
	log         zerolog.Logger
}

// New builds an Engine.
func New(db *sql.DB, client PriceFetcher, store *pricestore.Store, limiter *ratelimit.Limiter, maxAttempts int, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		client:      client,
		store:       store,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "backfill").Logger(),
	}
}

// Enqueue inserts a job for [start, end], merging into an existing
// pending/in_progress/rate_limited job for the same asset rather than
// duplicating it.
func (e *Engine) Enqueue(assetID int64, start, end time.Time) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	var existingStart, existingEnd string
	err = tx.QueryRow(
		`SELECT id, start_date, end_date FROM backfill_queue
		 WHERE asset_id = ? AND status IN ('pending', 'in_progress', 'rate_limited')
		 LIMIT 1`, assetID,
	).Scan(&existingID, &existingStart, &existingEnd)

	now := time.Now().Unix()

	if err == nil {
		mergedStart := minDate(existingStart, dateStr(start))
		mergedEnd := maxDate(existingEnd, dateStr(end))
		if _, err := tx.Exec(
			`UPDATE backfill_queue SET start_date = ?, end_date = ?, updated_at = ? WHERE id = ?`,
			mergedStart, mergedEnd, now, existingID,
		); err != nil {
			return fmt.Errorf("merge backfill job: %w", err)
		}
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("lookup existing job: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO backfill_queue (asset_id, start_date, end_date, status, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		assetID, dateStr(start), dateStr(end), StatePending, e.maxAttempts, now, now,
	); err != nil {
		return fmt.Errorf("insert backfill job: %w", err)
	}

	return tx.Commit()
}

// claim atomically transitions one eligible job (oldest first) from
// pending/rate_limited to in_progress. The UPDATE-with-WHERE idiom gives
// at-most-one-worker semantics under any worker count.
func (e *Engine) claim() (*Job, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRow(
		`SELECT id FROM backfill_queue
		 WHERE status IN ('pending', 'rate_limited') AND (retry_after IS NULL OR retry_after < ?)
		 ORDER BY created_at ASC LIMIT 1`, time.Now().Unix(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find eligible job: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE backfill_queue SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'rate_limited') AND (retry_after IS NULL OR retry_after < ?)`,
		StateInProgress, time.Now().Unix(), id, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race to another worker; caller should try again later.
		return nil, tx.Commit()
	}

	job, err := e.load(tx, id)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit()
}

func (e *Engine) load(q querier, id int64) (*Job, error) {
	var j Job
	var retryAfter sql.NullInt64
	var lastError sql.NullString
	var completedAt sql.NullInt64
	var startDate, endDate string

	err := q.QueryRow(
		`SELECT id, asset_id, start_date, end_date, status, attempts, max_attempts,
		        retry_after, error_message, created_at, updated_at, completed_at
		 FROM backfill_queue WHERE id = ?`, id,
	).Scan(&j.ID, &j.AssetID, &startDate, &endDate, &j.State, &j.Attempts, &j.MaxAttempts,
		&retryAfter, &lastError, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}

	j.StartDate, _ = time.Parse("2006-01-02", startDate)
	j.EndDate, _ = time.Parse("2006-01-02", endDate)
	if retryAfter.Valid {
		t := time.Unix(retryAfter.Int64, 0)
		j.RetryAfter = &t
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		j.CompletedAt = &t
	}

	return &j, nil
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// RunOnce claims one eligible job and drains it, applying the state
// transitions. Returns (false, nil) when no job was eligible.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	var job *Job
	err := database.WithRetry(func() error {
		var err error
		job, err = e.claim()
		return err
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	var symbol string
	err = database.WithRetry(func() error {
		var err error
		symbol, err = e.store.Symbol(job.AssetID)
		return err
	})
	if err != nil {
		return true, e.transitionFailed(job, fmt.Errorf("resolve symbol: %w", err))
	}

	if err := e.limiter.Acquire(ctx); err != nil {
		return true, e.transitionRetryLater(job, err)
	}

	points, _, fetchErr := e.client.FetchRange(ctx, symbol, job.StartDate, job.EndDate)
	if fetchErr != nil {
		return true, e.handleFetchError(ctx, job, fetchErr)
	}

	err = database.WithRetry(func() error {
		_, _, err := e.store.BulkInsert(job.AssetID, points)
		return err
	})
	if err != nil {
		return true, e.transitionRetryLater(job, err)
	}

	return true, e.transitionCompleted(job)
}

func (e *Engine) handleFetchError(ctx context.Context, job *Job, fetchErr error) error {
	fe, ok := fetchErr.(*priceclient.FetchError)
	if !ok {
		return e.transitionTransientFailure(job, fetchErr)
	}

	switch fe.Kind {
	case priceclient.KindThrottled:
		return e.transitionThrottled(ctx, job, fetchErr)
	case priceclient.KindNotFound:
		return e.transitionFailed(job, fetchErr)
	default: // Transient, BadData: both retried under the same backoff schedule
		return e.transitionTransientFailure(job, fetchErr)
	}
}

// illegalTransition reports a state machine violation. It should never be
// reachable in practice: claim() only hands out jobs in StateInProgress, and
// every transition target below is a legal successor of that state. The
// guard exists so a future transition function can't silently corrupt the
// queue if that invariant ever stops holding.
func illegalTransition(job *Job, to State) error {
	return fmt.Errorf("illegal transition for job %d: %s -> %s", job.ID, job.State, to)
}

func (e *Engine) transitionCompleted(job *Job) error {
	if !canTransition(job.State, StateCompleted) {
		return illegalTransition(job, StateCompleted)
	}

	now := time.Now().Unix()
	_, err := e.db.Exec(
		`UPDATE backfill_queue SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		StateCompleted, now, now, job.ID,
	)
	if err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	e.log.Info().Int64("job_id", job.ID).Int64("asset_id", job.AssetID).Msg("backfill job completed")
	return nil
}

func (e *Engine) transitionFailed(job *Job, cause error) error {
	if !canTransition(job.State, StateFailed) {
		return illegalTransition(job, StateFailed)
	}

	now := time.Now().Unix()
	msg := cause.Error()
	_, err := e.db.Exec(
		`UPDATE backfill_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		StateFailed, msg, now, job.ID,
	)
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	e.log.Warn().Int64("job_id", job.ID).Err(cause).Msg("backfill job failed")
	return nil
}

// transitionTransientFailure applies the Transient/BadData rule:
// attempts += 1; failed once attempts >= max_attempts, else pending with an
// exponential-backoff retry_after.
func (e *Engine) transitionTransientFailure(job *Job, cause error) error {
	attempts := job.Attempts + 1
	now := time.Now().Unix()

	if attempts >= job.MaxAttempts {
		if !canTransition(job.State, StateFailed) {
			return illegalTransition(job, StateFailed)
		}

		msg := cause.Error()
		_, err := e.db.Exec(
			`UPDATE backfill_queue SET status = ?, attempts = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			StateFailed, attempts, msg, now, job.ID,
		)
		if err != nil {
			return fmt.Errorf("transition to failed after max attempts: %w", err)
		}
		e.log.Warn().Int64("job_id", job.ID).Int("attempts", attempts).Err(cause).Msg("backfill job exhausted retries")
		return nil
	}

	if !canTransition(job.State, StatePending) {
		return illegalTransition(job, StatePending)
	}

	retryAfter := time.Now().Add(time.Duration(5*math.Pow(2, float64(attempts-1))) * time.Minute).Unix()
	msg := cause.Error()
	_, err := e.db.Exec(
		`UPDATE backfill_queue SET status = ?, attempts = ?, retry_after = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		StatePending, attempts, retryAfter, msg, now, job.ID,
	)
	if err != nil {
		return fmt.Errorf("transition to pending with retry: %w", err)
	}
	e.log.Warn().Int64("job_id", job.ID).Int("attempts", attempts).Err(cause).Msg("backfill job will retry")
	return nil
}

// transitionThrottled applies the Throttled rule: state becomes
// rate_limited with a retry_after of 5s*2^(n-1) from now, where n is the
// job's throttle count, tracked in a separate throttle_attempts counter so
// throttle retries never exhaust the transient-attempts budget.
func (e *Engine) transitionThrottled(ctx context.Context, job *Job, cause error) error {
	if !canTransition(job.State, StateRateLimited) {
		return illegalTransition(job, StateRateLimited)
	}

	now := time.Now().Unix()

	var throttleAttempts int
	if err := e.db.QueryRow(`SELECT throttle_attempts FROM backfill_queue WHERE id = ?`, job.ID).Scan(&throttleAttempts); err != nil {
		return fmt.Errorf("read throttle attempts: %w", err)
	}
	throttleAttempts++

	// ReportThrottled is called from a detached goroutine. It only blocks
	// that goroutine, so neither this worker nor any other Acquire caller is
	// delayed by it; the job's own retry_after below carries the backoff.
	deadline := time.Now().Add(5 * time.Second * time.Duration(1<<uint(throttleAttempts-1)))
	go func() {
		reportCtx, cancel := context.WithDeadline(context.Background(), deadline.Add(time.Second))
		defer cancel()
		_ = e.limiter.ReportThrottled(reportCtx, throttleAttempts)
	}()

	msg := cause.Error()
	_, err := e.db.Exec(
		`UPDATE backfill_queue SET status = ?, throttle_attempts = ?, retry_after = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		StateRateLimited, throttleAttempts, deadline.Unix(), msg, now, job.ID,
	)
	if err != nil {
		return fmt.Errorf("transition to rate_limited: %w", err)
	}
	e.log.Warn().Int64("job_id", job.ID).Int("throttle_attempts", throttleAttempts).Msg("backfill job throttled")
	return nil
}

func (e *Engine) transitionRetryLater(job *Job, cause error) error {
	return e.transitionTransientFailure(job, cause)
}

// RecoverInFlight resets any job left in_progress by a prior crash back to
// pending so claim() picks it up again. The queue is a database table, not
// an in-memory structure, so no other state needs reconstructing.
func (e *Engine) RecoverInFlight() error {
	now := time.Now().Unix()
	res, err := e.db.Exec(
		`UPDATE backfill_queue SET status = ?, updated_at = ? WHERE status = ?`,
		StatePending, now, StateInProgress,
	)
	if err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		e.log.Info().Int64("recovered", n).Msg("recovered in-flight backfill jobs")
	}
	return nil
}

func dateStr(t time.Time) string { return t.Format("2006-01-02") }

func minDate(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxDate(a, b string) string {
	if a > b {
		return a
	}
	return b
}
