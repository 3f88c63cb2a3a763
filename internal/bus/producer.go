package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
	"tradingpipe/internal/ringbuf"
)

const (
	// publishBufferSize bounds the in-memory record buffer; oldest records
	// are evicted when the broker cannot keep up.
	publishBufferSize = 10_000
	drainInterval     = 10 * time.Millisecond
)

// Record is one buffered publish.
type Record struct {
	Topic string
	Key   string
	Value []byte
}

// Producer publishes records to Kafka with gzip compression. Publishes go
// through a bounded drop-oldest buffer so a broker outage never blocks the
// hot path; delivery callbacks count failures.
type Producer struct {
	client  *kgo.Client
	buf     *ringbuf.Ring[Record]
	log     *slog.Logger
	metrics *metrics.Metrics
	wake    chan struct{}
}

// NewProducer connects a producer to the given brokers.
func NewProducer(brokers []string, log *slog.Logger, m *metrics.Metrics) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, err
	}
	return &Producer{
		client:  client,
		buf:     ringbuf.New[Record](publishBufferSize),
		log:     log,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Publish enqueues a record. Never blocks; when the buffer is full the
// oldest record is dropped and counted.
func (p *Producer) Publish(topic, key string, value []byte) {
	if p.buf.Push(Record{Topic: topic, Key: key, Value: value}) {
		p.metrics.BufferDrops.Inc()
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PublishTick publishes a tick to ticks.<exchange> keyed by symbol.
func (p *Producer) PublishTick(t model.Tick) {
	p.Publish(TickTopic(t.Exchange), t.TradingSymbol, t.JSON())
}

// PublishCandle publishes a closed candle to candles.<timeframe> keyed by
// symbol.
func (p *Producer) PublishCandle(c model.Candle) {
	p.Publish(CandleTopic(c.Timeframe), c.TradingSymbol, c.JSON())
}

// PublishSignal publishes a signal to signals.<strategy> keyed by symbol.
func (p *Producer) PublishSignal(ctx context.Context, sig model.Signal) error {
	p.Publish(SignalTopic(sig.Strategy), sig.Symbol, sig.JSON())
	p.metrics.SignalsTotal.WithLabelValues(sig.Strategy, sig.Signal).Inc()
	return nil
}

// PublishAudit publishes an audit record to signals.audit.<strategy>.
func (p *Producer) PublishAudit(ctx context.Context, rec model.AuditRecord) error {
	p.Publish(AuditTopic(rec.Strategy), rec.Symbol, rec.JSON())
	p.metrics.AuditRecords.Inc()
	return nil
}

// Run drains the buffer into the Kafka client until ctx is cancelled, then
// flushes in-flight records. Call from its own goroutine.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain(context.Background())
			return
		case <-p.wake:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Producer) drain(ctx context.Context) {
	for {
		rec, ok := p.buf.Pop()
		if !ok {
			return
		}
		start := time.Now()
		kr := &kgo.Record{Topic: rec.Topic, Key: []byte(rec.Key), Value: rec.Value}
		p.client.Produce(ctx, kr, func(r *kgo.Record, err error) {
			p.metrics.PublishDur.Observe(time.Since(start).Seconds())
			if err != nil {
				p.log.Error("produce failed", "topic", r.Topic, "key", string(r.Key), "error", err)
			}
		})
	}
}

// Close flushes outstanding records within the deadline and releases the
// client. Used during the 5s shutdown drain.
func (p *Producer) Close(ctx context.Context) {
	p.drain(ctx)
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warn("producer flush incomplete", "error", err)
	}
	p.client.Close()
}
