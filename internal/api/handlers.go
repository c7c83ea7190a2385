package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/pricestore"
)

type handlers struct {
	db             *database.DB
	store          *pricestore.Store
	stats          *monitor.Stats
	logStore       *monitor.LogStore
	updateInterval time.Duration
	log            zerolog.Logger
}

// StatusResponse is the derived, point-in-time view of the daemon.
type StatusResponse struct {
	Running              bool    `json:"running"`
	UptimeSeconds         int64   `json:"uptime_seconds"`
	TrackedAssets         int64   `json:"tracked_assets"`
	LastUpdate            *string `json:"last_update,omitempty"`
	NextUpdateInSeconds   int64   `json:"next_update_in_seconds"`
}

// LogsResponse is the paginated view over the structured log store.
type LogsResponse struct {
	Entries []monitor.LogEntry `json:"entries"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// RecentUpdate is one price_update_log row enriched with asset identity.
type RecentUpdate struct {
	AssetID      int64   `json:"asset_id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Timestamp    int64   `json:"timestamp"`
	Price        *float64 `json:"price,omitempty"`
	Success      bool    `json:"success"`
	ErrorMessage *string `json:"error_message,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stats.Snapshot()
	if err != nil {
		h.writeError(w, err, "failed to compute status")
		return
	}

	var lastUpdateUnix sql.NullInt64
	err = h.db.Conn().QueryRowContext(r.Context(), `SELECT MAX(timestamp) FROM price_update_log`).Scan(&lastUpdateUnix)
	if err != nil && err != sql.ErrNoRows {
		h.writeError(w, err, "failed to query last update")
		return
	}

	resp := StatusResponse{
		TrackedAssets: snap.AssetsTracked,
		UptimeSeconds: snap.UptimeSeconds,
	}

	intervalSeconds := int64(h.updateInterval.Seconds())
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}

	if lastUpdateUnix.Valid {
		lastUpdate := time.Unix(lastUpdateUnix.Int64, 0).UTC()
		formatted := lastUpdate.Format(time.RFC3339)
		resp.LastUpdate = &formatted

		age := time.Since(lastUpdate)
		resp.Running = age < h.updateInterval+(h.updateInterval/2)

		elapsed := int64(age.Seconds()) % intervalSeconds
		resp.NextUpdateInSeconds = intervalSeconds - elapsed
	} else {
		resp.NextUpdateInSeconds = intervalSeconds
	}

	writeJSON(w, resp)
}

func (h *handlers) handleStatistics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stats.Latest()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, monitor.Snapshot{})
			return
		}
		h.writeError(w, err, "failed to load latest statistics snapshot")
		return
	}
	writeJSON(w, snap)
}

func (h *handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	severity := monitor.Severity(r.URL.Query().Get("severity"))

	entries, total, err := h.logStore.Read(limit, offset, severity)
	if err != nil {
		h.writeError(w, err, "failed to read logs")
		return
	}

	writeJSON(w, LogsResponse{Entries: entries, Total: total, Limit: limit, Offset: offset})
}

func (h *handlers) handleRecentUpdates(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	rows, err := h.db.Conn().QueryContext(r.Context(), `
		SELECT u.asset_id, a.symbol, a.name, u.timestamp, u.price, u.success, u.error_message, u.duration_ms
		FROM price_update_log u
		JOIN assets a ON a.id = u.asset_id
		ORDER BY u.timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		h.writeError(w, err, "failed to query recent updates")
		return
	}
	defer rows.Close()

	updates := make([]RecentUpdate, 0, limit)
	for rows.Next() {
		var u RecentUpdate
		var price sql.NullFloat64
		var errMsg sql.NullString
		var successInt int
		if err := rows.Scan(&u.AssetID, &u.Symbol, &u.Name, &u.Timestamp, &price, &successInt, &errMsg, &u.DurationMS); err != nil {
			h.writeError(w, err, "failed to scan recent update row")
			return
		}
		u.Success = successInt != 0
		if price.Valid {
			u.Price = &price.Float64
		}
		if errMsg.Valid {
			u.ErrorMessage = &errMsg.String
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		h.writeError(w, err, "failed iterating recent updates")
		return
	}

	writeJSON(w, updates)
}

func (h *handlers) writeError(w http.ResponseWriter, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	w.WriteHeader(http.StatusInternalServerError)
	writeJSON(w, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
