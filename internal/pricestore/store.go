// Package pricestore owns the asset catalog, OHLCV rows, the tracked-asset
// reference-count registry, and per-update audit rows.
package pricestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fetcherd/fetcherd/internal/priceclient"
	"github.com/rs/zerolog"
)

// AssetDescriptor identifies an instrument well enough to create or find its
// catalog row.
type AssetDescriptor struct {
	Symbol   string
	Name     string
	Type     string // equity, crypto, commodity, bond
	Exchange string
	Currency string
}

// Store implements the Price Store contract against the shared database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New builds a Store.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "pricestore").Logger()}
}

// UpsertCatalog finds or creates the asset row for descriptor, returning its
// identity. Assets are created lazily and are immutable after creation
// so an existing row is returned unchanged rather than overwritten.
func (s *Store) UpsertCatalog(desc AssetDescriptor) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM assets WHERE exchange = ? AND symbol = ? COLLATE NOCASE`,
		desc.Exchange, desc.Symbol,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup asset: %w", err)
	}

	currency := desc.Currency
	if currency == "" {
		currency = "USD"
	}
	assetType := desc.Type
	if assetType == "" {
		assetType = "equity"
	}

	res, err := s.db.Exec(
		`INSERT INTO assets (symbol, name, asset_type, exchange, native_currency, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		desc.Symbol, desc.Name, assetType, desc.Exchange, currency, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert asset: %w", err)
	}

	return res.LastInsertId()
}

// BulkInsert idempotently inserts points for assetID, reporting how many
// rows were newly persisted versus already present.
func (s *Store) BulkInsert(assetID int64, points []priceclient.PricePoint) (inserted, skipped int, err error) {
	if len(points) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO asset_prices (asset_id, timestamp, open, high, low, close, volume, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (asset_id, timestamp) DO NOTHING`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		res, err := stmt.Exec(assetID, p.Timestamp.Unix(), nullableFloat(p.Open), nullableFloat(p.High),
			nullableFloat(p.Low), p.Close, nullableInt(p.Volume), p.Source)
		if err != nil {
			return 0, 0, fmt.Errorf("insert price point: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			inserted++
		} else {
			skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit bulk insert: %w", err)
	}

	return inserted, skipped, nil
}

// RecordUpdate writes one price_update_log audit row.
func (s *Store) RecordUpdate(assetID int64, at time.Time, closeOrNil *float64, success bool, errOrNil error, durationMS int64) error {
	var errText *string
	if errOrNil != nil {
		msg := errOrNil.Error()
		errText = &msg
	}

	_, err := s.db.Exec(
		`INSERT INTO price_update_log (asset_id, timestamp, price, success, error_message, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		assetID, at.Unix(), nullableFloat(closeOrNil), boolToInt(success), errText, durationMS,
	)
	if err != nil {
		return fmt.Errorf("record update: %w", err)
	}
	return nil
}

// IncrementTracking raises assetID's holder count by one, creating the
// tracked_assets row if needed. Returns the new holder count.
func (s *Store) IncrementTracking(assetID int64) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin increment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	_, err = tx.Exec(
		`INSERT INTO tracked_assets (asset_id, tracking_users, first_tracked_at, last_tracked_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT (asset_id) DO UPDATE SET
			tracking_users = tracking_users + 1,
			last_tracked_at = excluded.last_tracked_at`,
		assetID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert tracked asset: %w", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT tracking_users FROM tracked_assets WHERE asset_id = ?`, assetID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read tracking count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}

	return count, nil
}

// DecrementTracking lowers assetID's holder count by one, never dropping
// below zero.
func (s *Store) DecrementTracking(assetID int64) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin decrement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`UPDATE tracked_assets SET tracking_users = MAX(tracking_users - 1, 0) WHERE asset_id = ?`,
		assetID,
	)
	if err != nil {
		return 0, fmt.Errorf("decrement tracked asset: %w", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT tracking_users FROM tracked_assets WHERE asset_id = ?`, assetID).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read tracking count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit decrement: %w", err)
	}

	return count, nil
}

// HasCoverage reports whether any price point exists for assetID, used by
// the Scheduler to decide whether an asset that was already tracked still
// needs a backfill (a first tracking always enqueues one).
func (s *Store) HasCoverage(assetID int64) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM asset_prices WHERE asset_id = ? LIMIT 1`, assetID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check coverage: %w", err)
	}
	return true, nil
}

// ListTracked returns every asset with a positive holder count.
func (s *Store) ListTracked() ([]int64, error) {
	rows, err := s.db.Query(`SELECT asset_id FROM tracked_assets WHERE tracking_users > 0`)
	if err != nil {
		return nil, fmt.Errorf("list tracked: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tracked asset: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TrackedCount returns the number of assets with a positive holder count.
func (s *Store) TrackedCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tracked_assets WHERE tracking_users > 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tracked assets: %w", err)
	}
	return count, nil
}

// Symbol returns the ticker symbol for assetID, used when the Price Source
// Client needs a string identifier rather than the internal asset id.
func (s *Store) Symbol(assetID int64) (string, error) {
	var symbol string
	err := s.db.QueryRow(`SELECT symbol FROM assets WHERE id = ?`, assetID).Scan(&symbol)
	if err != nil {
		return "", fmt.Errorf("lookup symbol: %w", err)
	}
	return symbol, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
