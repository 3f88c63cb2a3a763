// Package redis is the fast key-value cache for the latest candle window
// and indicator snapshot per (symbol, timeframe). Writes are plain SETs
// with a 24h TTL, so they are idempotent by key and replay-safe.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

const (
	defaultTTL = 24 * time.Hour
	opTimeout  = 5 * time.Second

	// WindowSize is how many trailing closed candles the cache keeps per
	// (symbol, timeframe); sized for indicator bootstrap.
	WindowSize = 60
)

// Config configures the cache connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps the Redis client with the pipeline's key schema.
type Cache struct {
	client  *goredis.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New connects and pings the server.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Info("redis connected", "addr", cfg.Addr)
	return &Cache{client: client, log: log, metrics: m}, nil
}

// Client returns the underlying client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// Close releases the connection pool.
func (c *Cache) Close() error { return c.client.Close() }

func candleKey(symbol string, tf model.Timeframe) string {
	return "ohlcv:" + symbol + ":" + string(tf)
}

func snapshotKey(symbol string, tf model.Timeframe) string {
	return "indicators:" + symbol + ":" + string(tf)
}

// WriteCandleWindow replaces the stored trailing window for (symbol, tf).
// The caller passes the full window (ascending, at most WindowSize) so the
// write is one idempotent SET.
func (c *Cache) WriteCandleWindow(ctx context.Context, symbol string, tf model.Timeframe, window []model.Candle) error {
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	payload, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshal candle window: %w", err)
	}
	return c.set(ctx, candleKey(symbol, tf), payload)
}

// ReadCandleWindow returns the stored window, ascending. A missing key
// yields an empty slice.
func (c *Cache) ReadCandleWindow(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, candleKey(symbol, tf)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", candleKey(symbol, tf), err)
	}
	var window []model.Candle
	if err := json.Unmarshal(raw, &window); err != nil {
		return nil, fmt.Errorf("decode candle window %s: %w", candleKey(symbol, tf), err)
	}
	return window, nil
}

// WriteSnapshot replaces the latest indicator snapshot for its key.
func (c *Cache) WriteSnapshot(ctx context.Context, snap model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.set(ctx, snapshotKey(snap.TradingSymbol, snap.Timeframe), payload)
}

// Snapshot reads the latest snapshot for (symbol, tf). A missing key is an
// error the caller degrades on.
func (c *Cache) Snapshot(ctx context.Context, symbol string, tf model.Timeframe) (model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, snapshotKey(symbol, tf)).Bytes()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("redis get %s: %w", snapshotKey(symbol, tf), err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", snapshotKey(symbol, tf), err)
	}
	return snap, nil
}

func (c *Cache) set(ctx context.Context, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	start := time.Now()
	err := c.client.Set(ctx, key, payload, defaultTTL).Err()
	c.metrics.RedisWriteDur.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
