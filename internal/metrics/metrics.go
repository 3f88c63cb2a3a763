// Package metrics holds the Prometheus collectors for all three pipeline
// services plus the /metrics + /healthz HTTP server.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. Each service
// registers the full set and exercises its own subset.
type Metrics struct {
	// Ingest
	TicksReceived prometheus.Counter
	TicksDropped  prometheus.Counter
	DecodeErrors  prometheus.Counter
	WSReconnects  prometheus.Counter

	// Aggregation
	CandlesTotal    *prometheus.CounterVec // labels: timeframe
	LateTicks       prometheus.Counter
	BackfillCandles prometheus.Counter
	BufferDrops     prometheus.Counter

	// Indicators
	SnapshotsTotal      prometheus.Counter
	IndicatorComputeDur prometheus.Histogram

	// Rules
	SignalsTotal *prometheus.CounterVec // labels: strategy, signal
	AuditRecords prometheus.Counter

	// Adapters
	PublishDur       prometheus.Histogram
	RedisWriteDur    prometheus.Histogram
	PostgresWriteDur prometheus.Histogram

	// Backpressure
	ChannelSaturationPct *prometheus.GaugeVec // labels: channel_name
}

// New registers and returns the pipeline metrics. Pass
// prometheus.DefaultRegisterer in mains; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ticks_received_total",
			Help: "Ticks decoded from the broker websocket",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ticks_dropped_total",
			Help: "Ticks dropped because a downstream channel was full",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_decode_errors_total",
			Help: "Binary frames dropped by the decoder (bad frame or unknown token)",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ws_reconnects_total",
			Help: "Broker websocket reconnects",
		}),

		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_candles_total",
			Help: "Closed candles published, by timeframe",
		}, []string{"timeframe"}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_late_ticks_total",
			Help: "Ticks dropped because their bucket already closed",
		}),
		BackfillCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_backfill_candles_total",
			Help: "Candles published by the backfill path",
		}),
		BufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_drops_total",
			Help: "Records dropped from the bounded publish buffer (oldest first)",
		}),

		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_indicator_snapshots_total",
			Help: "Indicator snapshots computed",
		}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_indicator_compute_duration_seconds",
			Help:    "Indicator compute latency per closed candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_signals_total",
			Help: "Signals emitted, by strategy and signal kind",
		}, []string{"strategy", "signal"}),
		AuditRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_audit_records_total",
			Help: "Audit records written for position state transitions",
		}),

		PublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_publish_duration_seconds",
			Help:    "Bus publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_redis_write_duration_seconds",
			Help:    "Redis cache write latency",
			Buckets: prometheus.DefBuckets,
		}),
		PostgresWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_postgres_write_duration_seconds",
			Help:    "Postgres upsert latency",
			Buckets: prometheus.DefBuckets,
		}),

		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
	}

	reg.MustRegister(
		m.TicksReceived,
		m.TicksDropped,
		m.DecodeErrors,
		m.WSReconnects,
		m.CandlesTotal,
		m.LateTicks,
		m.BackfillCandles,
		m.BufferDrops,
		m.SnapshotsTotal,
		m.IndicatorComputeDur,
		m.SignalsTotal,
		m.AuditRecords,
		m.PublishDur,
		m.RedisWriteDur,
		m.PostgresWriteDur,
		m.ChannelSaturationPct,
	)
	return m
}

// HealthStatus tracks dependency connectivity for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTickTime   time.Time
	RedisConnected bool
	PostgresOK     bool
	BusConnected   bool
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetBusConnected(v bool) {
	h.mu.Lock()
	h.BusConnected = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	err := rdb.Ping(ctx).Err()
	h.mu.Lock()
	h.RedisConnected = err == nil
	h.mu.Unlock()
}

// CheckPostgres pings the SQL store and records connectivity.
func (h *HealthStatus) CheckPostgres(ctx context.Context, db *sql.DB) {
	err := db.PingContext(ctx)
	h.mu.Lock()
	h.PostgresOK = err == nil
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckPostgres(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.RedisConnected || !h.BusConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	out := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		WSConnected    bool   `json:"ws_connected"`
		TickAge        string `json:"tick_age,omitempty"`
		RedisConnected bool   `json:"redis_connected"`
		PostgresOK     bool   `json:"postgres_ok"`
		BusConnected   bool   `json:"bus_connected"`
	}{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		TickAge:        tickAge,
		RedisConnected: h.RedisConnected,
		PostgresOK:     h.PostgresOK,
		BusConnected:   h.BusConnected,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(out)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
