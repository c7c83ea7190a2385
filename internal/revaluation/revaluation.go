// Package revaluation recomputes each portfolio's cached valuation after a
// successful refresh cycle.
package revaluation

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// Revaluator sweeps every portfolio and writes a fresh row to
// portfolio_performance_cache. It is the exclusive writer of that table.
type Revaluator struct {
	db  *sql.DB
	log zerolog.Logger
}

// New builds a Revaluator.
func New(db *sql.DB, log zerolog.Logger) *Revaluator {
	return &Revaluator{db: db, log: log.With().Str("component", "revaluation").Logger()}
}

type position struct {
	quantity        float64
	averageBuyPrice float64
	currentPrice    float64
}

// RecalculateAll sums quantity × current_price across positions for every
// portfolio using the most recent PricePoint per asset, computes cost basis
// from each position's average buy price, and writes one row per portfolio
// within its own transaction. A failure on one portfolio is logged and
// counted but never aborts the sweep.
func (r *Revaluator) RecalculateAll() (updated, failed int, err error) {
	portfolioIDs, err := r.listPortfolios()
	if err != nil {
		return 0, 0, fmt.Errorf("list portfolios: %w", err)
	}

	for _, id := range portfolioIDs {
		if err := r.recalculateOne(id); err != nil {
			failed++
			r.log.Error().Err(err).Int64("portfolio_id", id).Msg("portfolio revaluation failed")
			continue
		}
		updated++
	}

	return updated, failed, nil
}

func (r *Revaluator) listPortfolios() ([]int64, error) {
	rows, err := r.db.Query(`SELECT id FROM portfolios`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Revaluator) recalculateOne(portfolioID int64) error {
	positions, err := r.loadPositions(portfolioID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	totalValue, totalCost := sumValueAndCost(positions)

	profitLoss := totalValue - totalCost
	var profitLossPct float64
	if totalCost != 0 {
		profitLossPct = profitLoss / totalCost * 100
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin revaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO portfolio_performance_cache (portfolio_id, total_value, total_cost, profit_loss, profit_loss_pct, updated_at)
		 VALUES (?, ?, ?, ?, ?, strftime('%s','now'))
		 ON CONFLICT (portfolio_id) DO UPDATE SET
		   total_value = excluded.total_value,
		   total_cost = excluded.total_cost,
		   profit_loss = excluded.profit_loss,
		   profit_loss_pct = excluded.profit_loss_pct,
		   updated_at = excluded.updated_at`,
		portfolioID, totalValue, totalCost, profitLoss, profitLossPct,
	)
	if err != nil {
		return fmt.Errorf("write valuation cache: %w", err)
	}

	return tx.Commit()
}

func (r *Revaluator) loadPositions(portfolioID int64) ([]position, error) {
	rows, err := r.db.Query(
		`SELECT p.quantity, p.average_buy_price, COALESCE(latest.close, 0)
		 FROM positions p
		 LEFT JOIN (
		   SELECT ap.asset_id, ap.close
		   FROM asset_prices ap
		   INNER JOIN (
		     SELECT asset_id, MAX(timestamp) AS max_ts FROM asset_prices GROUP BY asset_id
		   ) m ON m.asset_id = ap.asset_id AND m.max_ts = ap.timestamp
		 ) latest ON latest.asset_id = p.asset_id
		 WHERE p.portfolio_id = ?`, portfolioID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []position
	for rows.Next() {
		var p position
		if err := rows.Scan(&p.quantity, &p.averageBuyPrice, &p.currentPrice); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// sumValueAndCost totals a portfolio's current market value and cost basis
// as the dot product of quantities against prices and average buy prices.
func sumValueAndCost(positions []position) (value, cost float64) {
	if len(positions) == 0 {
		return 0, 0
	}

	quantities := make([]float64, len(positions))
	prices := make([]float64, len(positions))
	avgCosts := make([]float64, len(positions))
	for i, p := range positions {
		quantities[i] = p.quantity
		prices[i] = p.currentPrice
		avgCosts[i] = p.averageBuyPrice
	}

	return floats.Dot(quantities, prices), floats.Dot(quantities, avgCosts)
}
