package monitor

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const ringSize = 100

// Snapshot is the aggregate the statistics contract computes on demand.
type Snapshot struct {
	Timestamp             time.Time
	UptimeSeconds          int64
	TotalCycles            int64
	SuccessfulCycles       int64
	FailedCycles           int64
	SuccessRate            float64
	AverageCycleDuration   float64
	AssetsTracked          int64
}

// TrackedCounter reports the Price Store's current tracked-asset count.
type TrackedCounter interface {
	TrackedCount() (int64, error)
}

// Registry holds the Prometheus collectors the daemon exposes on /metrics.
type Registry struct {
	CycleDuration  prometheus.Histogram
	CyclesTotal    *prometheus.CounterVec
	AssetsTracked  prometheus.Gauge
	HostCPUPercent prometheus.Gauge
	HostMemPercent prometheus.Gauge
	DBSizeBytes    prometheus.Gauge
	DBWALBytes     prometheus.Gauge
	DBPageCount    prometheus.Gauge
	DBFreelist     prometheus.Gauge
}

// NewRegistry builds and registers the daemon's Prometheus collectors.
func NewRegistry() *Registry {
	r := &Registry{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetcherd_cycle_duration_seconds",
			Help:    "Duration of each refresh cycle in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcherd_cycles_total",
			Help: "Total refresh cycles by outcome",
		}, []string{"outcome"}),
		AssetsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_assets_tracked",
			Help: "Number of assets currently tracked",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_host_cpu_percent",
			Help: "Host CPU utilization percentage sampled on each statistics snapshot",
		}),
		HostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_host_mem_percent",
			Help: "Host memory utilization percentage sampled on each statistics snapshot",
		}),
		DBSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_db_size_bytes",
			Help: "Size of the sqlite database file in bytes",
		}),
		DBWALBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_db_wal_size_bytes",
			Help: "Size of the sqlite WAL file in bytes",
		}),
		DBPageCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_db_page_count",
			Help: "Number of pages in the sqlite database file",
		}),
		DBFreelist: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcherd_db_freelist_count",
			Help: "Number of unused pages in the sqlite database file",
		}),
	}

	prometheus.MustRegister(
		r.CycleDuration, r.CyclesTotal, r.AssetsTracked, r.HostCPUPercent, r.HostMemPercent,
		r.DBSizeBytes, r.DBWALBytes, r.DBPageCount, r.DBFreelist,
	)
	return r
}

// SetDBStats publishes database.Stats onto the db_* gauges. Called on the
// snapshot cadence alongside the WAL checkpoint that keeps the file these
// stats describe from growing unbounded.
func (r *Registry) SetDBStats(s *database.Stats) {
	r.DBSizeBytes.Set(float64(s.SizeBytes))
	r.DBWALBytes.Set(float64(s.WALSizeBytes))
	r.DBPageCount.Set(float64(s.PageCount))
	r.DBFreelist.Set(float64(s.FreelistCount))
}

// sampleHost populates the host-resource gauges. Errors are swallowed; host
// sampling is best-effort and must never affect cycle outcome.
func (r *Registry) sampleHost(log zerolog.Logger) {
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		r.HostCPUPercent.Set(percents[0])
	} else if err != nil {
		log.Debug().Err(err).Msg("host cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		r.HostMemPercent.Set(vm.UsedPercent)
	} else {
		log.Debug().Err(err).Msg("host memory sample failed")
	}
}

// Stats implements the begin_cycle/end_cycle/snapshot statistics contract.
// The rolling duration ring and cycle counters are the in-memory mutable
// state the Scheduler owns exclusively; Stats only protects concurrent
// access to it with a single mutex, per the single-writer discipline.
type Stats struct {
	db       *sql.DB
	tracked  TrackedCounter
	registry *Registry
	log      zerolog.Logger

	startedAt time.Time

	mu               sync.Mutex
	nextCycleID      int64
	cycleStarts      map[int64]time.Time
	totalCycles      int64
	successfulCycles int64
	failedCycles     int64
	ring             [ringSize]float64
	ringLen          int
	ringPos          int
}

// NewStats builds a Stats tracker. startedAt should be the process start
// time, used to compute uptime_seconds.
func NewStats(db *sql.DB, tracked TrackedCounter, registry *Registry, startedAt time.Time, log zerolog.Logger) *Stats {
	return &Stats{
		db:          db,
		tracked:     tracked,
		registry:    registry,
		log:         log.With().Str("component", "stats").Logger(),
		startedAt:   startedAt,
		cycleStarts: make(map[int64]time.Time),
	}
}

// BeginCycle stamps a new cycle's start time and returns its id.
func (s *Stats) BeginCycle() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCycleID++
	id := s.nextCycleID
	s.cycleStarts[id] = time.Now()
	return id
}

// EndCycle records the outcome of a cycle begun with BeginCycle, updating
// the counters and the bounded ring of the last 100 durations.
func (s *Stats) EndCycle(cycleID int64, success bool, durationSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cycleStarts, cycleID)

	s.totalCycles++
	outcome := "failure"
	if success {
		s.successfulCycles++
		outcome = "success"
	} else {
		s.failedCycles++
	}

	s.ring[s.ringPos] = durationSeconds
	s.ringPos = (s.ringPos + 1) % ringSize
	if s.ringLen < ringSize {
		s.ringLen++
	}

	if s.registry != nil {
		s.registry.CycleDuration.Observe(durationSeconds)
		s.registry.CyclesTotal.WithLabelValues(outcome).Inc()
	}
}

// Snapshot computes the current aggregate. It holds the mutex only while
// copying the counters and summing the ring; the tracked-count query and
// host sampling run after the mutex is released.
func (s *Stats) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	total := s.totalCycles
	successful := s.successfulCycles
	failed := s.failedCycles
	var sum float64
	for i := 0; i < s.ringLen; i++ {
		sum += s.ring[i]
	}
	ringLen := s.ringLen
	s.mu.Unlock()

	var successRate float64
	if total > 0 {
		successRate = round2(float64(successful) / float64(total) * 100)
	}

	var avgDuration float64
	if ringLen > 0 {
		avgDuration = round2(sum / float64(ringLen))
	}

	var assetsTracked int64
	if s.tracked != nil {
		n, err := s.tracked.TrackedCount()
		if err != nil {
			return Snapshot{}, fmt.Errorf("get tracked count: %w", err)
		}
		assetsTracked = n
	}

	if s.registry != nil {
		s.registry.AssetsTracked.Set(float64(assetsTracked))
		s.registry.sampleHost(s.log)
	}

	return Snapshot{
		Timestamp:            time.Now(),
		UptimeSeconds:        int64(time.Since(s.startedAt).Seconds()),
		TotalCycles:          total,
		SuccessfulCycles:     successful,
		FailedCycles:         failed,
		SuccessRate:          successRate,
		AverageCycleDuration: avgDuration,
		AssetsTracked:        assetsTracked,
	}, nil
}

// Persist writes a Snapshot as a new row in fetcher_statistics. Snapshots
// accumulate; the most recent row is the canonical query answer.
func (s *Stats) Persist(snap Snapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO fetcher_statistics
		   (timestamp, uptime_seconds, total_cycles, successful_cycles, failed_cycles,
		    success_rate, average_cycle_duration, assets_tracked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.Unix(), snap.UptimeSeconds, snap.TotalCycles, snap.SuccessfulCycles,
		snap.FailedCycles, snap.SuccessRate, snap.AverageCycleDuration, snap.AssetsTracked,
	)
	if err != nil {
		return fmt.Errorf("persist statistics snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recently persisted snapshot.
func (s *Stats) Latest() (Snapshot, error) {
	var snap Snapshot
	var ts int64
	err := s.db.QueryRow(
		`SELECT timestamp, uptime_seconds, total_cycles, successful_cycles, failed_cycles,
		        success_rate, average_cycle_duration, assets_tracked
		 FROM fetcher_statistics ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&ts, &snap.UptimeSeconds, &snap.TotalCycles, &snap.SuccessfulCycles, &snap.FailedCycles,
		&snap.SuccessRate, &snap.AverageCycleDuration, &snap.AssetsTracked)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	snap.Timestamp = time.Unix(ts, 0)
	return snap, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
