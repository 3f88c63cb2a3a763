package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"tradingpipe/internal/model"
)

const (
	handlerRetryBase = 500 * time.Millisecond
	handlerRetryCap  = 15 * time.Second
)

// Handler processes one decoded candle. A nil return acknowledges the
// record; an error retries the same record with backoff, so offsets never
// advance past an unprocessed candle.
type Handler func(ctx context.Context, c model.Candle) error

// Consumer is a Kafka group consumer over candle topics with manual
// commits.
type Consumer struct {
	client *kgo.Client
	log    *slog.Logger

	// Barrier, when set, runs after a poll's records are handled and
	// before their offsets commit. The rule engine points it at the worker
	// pool so commits wait for evaluation, not just enqueue.
	Barrier func(ctx context.Context) error
}

// NewConsumer joins the group on the given topics. Auto-commit is disabled;
// CommitRecords runs after downstream processing acknowledges.
func NewConsumer(brokers []string, group string, topics []string, log *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, log: log}, nil
}

// Run polls until ctx is cancelled, invoking handle per candle and
// committing each poll's offsets once every record is handled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var recs []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			recs = append(recs, rec)
		})

		acked, err := c.handleAll(ctx, recs, handle)
		if err != nil {
			return err
		}
		if c.Barrier != nil {
			if err := c.Barrier(ctx); err != nil {
				return err
			}
		}
		if len(acked) > 0 {
			if err := c.client.CommitRecords(ctx, acked...); err != nil {
				c.log.Error("offset commit failed", "error", err)
			}
		}
	}
}

// handleAll decodes and handles records in order. A handler error retries
// with backoff until it clears or ctx is cancelled: the client polls from
// its in-memory position, so committing a later record would advance the
// group offset past the failed one and it would never redeliver
// mid-session. Malformed payloads are logged and acknowledged (redelivery
// cannot fix them).
func (c *Consumer) handleAll(ctx context.Context, recs []*kgo.Record, handle Handler) ([]*kgo.Record, error) {
	acked := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		var candle model.Candle
		if err := json.Unmarshal(rec.Value, &candle); err != nil {
			c.log.Warn("skipping malformed candle record",
				"topic", rec.Topic, "offset", rec.Offset, "error", err)
			acked = append(acked, rec)
			continue
		}

		backoff := handlerRetryBase
		for {
			err := handle(ctx, candle)
			if err == nil {
				break
			}
			c.log.Error("candle handler failed, retrying",
				"topic", rec.Topic, "offset", rec.Offset, "retry_in", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > handlerRetryCap {
				backoff = handlerRetryCap
			}
		}
		acked = append(acked, rec)
	}
	return acked, nil
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
