package backfill

import "time"

// Job is a durable unit of historical backfill work.
type Job struct {
	ID          int64
	AssetID     int64
	StartDate   time.Time
	EndDate     time.Time
	State       State
	Attempts    int
	MaxAttempts int
	RetryAfter  *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
