// Package worker shards a candle stream across N workers by symbol hash.
// Candles for the same symbol always land on the same worker, preserving
// per-symbol ordering while spreading strategy evaluation across cores.
package worker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

const workerQueueSize = 1024

// Handler processes the candles routed to one worker. Called from that
// worker's goroutine only, so handlers need no internal locking.
type Handler interface {
	OnCandle(ctx context.Context, c model.Candle)
}

// Pool routes candles to per-worker FIFO queues and tracks in-flight work
// so the consumer can hold offset commits until evaluation finishes.
type Pool struct {
	queues   []chan model.Candle
	handlers []Handler
	pending  sync.WaitGroup
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewPool creates a pool of n workers; n <= 0 means runtime.NumCPU().
// newHandler is called once per worker to build its private handler.
func NewPool(n int, newHandler func(worker int) Handler, log *slog.Logger, m *metrics.Metrics) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{
		queues:   make([]chan model.Candle, n),
		handlers: make([]Handler, n),
		log:      log,
		metrics:  m,
	}
	for i := range p.queues {
		p.queues[i] = make(chan model.Candle, workerQueueSize)
		p.handlers[i] = newHandler(i)
	}
	return p
}

// Size returns the worker count.
func (p *Pool) Size() int { return len(p.queues) }

// Dispatch routes a candle to its symbol's worker. Blocks when the worker
// queue is full so closed candles are never lost between services.
func (p *Pool) Dispatch(ctx context.Context, c model.Candle) error {
	p.pending.Add(1)
	select {
	case p.queues[p.route(c.TradingSymbol)] <- c:
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every dispatched candle has been handled by its worker,
// or ctx is cancelled. The consumer runs it before committing offsets, so a
// crash redelivers queued candles instead of losing them behind a committed
// offset. Single-caller: the dispatching goroutine must not race new
// Dispatch calls against Wait.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) route(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. Queues are not closed: Dispatch may still be racing a
// cancelled consumer, and unprocessed candles redeliver from the bus anyway.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, h := range p.handlers {
		wg.Add(1)
		go func(q <-chan model.Candle, h Handler) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case c := <-q:
					h.OnCandle(ctx, c)
					p.pending.Done()
				}
			}
		}(p.queues[i], h)
	}
	wg.Wait()
}

// Saturation records each worker queue's fill percentage.
func (p *Pool) Saturation() {
	for i, q := range p.queues {
		pct := float64(len(q)) / float64(cap(q)) * 100
		p.metrics.ChannelSaturationPct.WithLabelValues("worker_" + strconv.Itoa(i)).Set(pct)
	}
}
