// Package bus provides the Kafka transport: a producer with gzip
// compression and a bounded drop-oldest publish buffer, and a group
// consumer with manual commits after downstream ack.
package bus

import (
	"strings"

	"tradingpipe/internal/model"
)

// Topic layout. Candle and tick topics are partitioned by symbol key so
// per-symbol ordering holds end to end.
const (
	tickTopicPrefix   = "ticks."
	candleTopicPrefix = "candles."
	signalTopicPrefix = "signals."
	auditTopicPrefix  = "signals.audit."
	snapshotTopic     = "indicator.snapshots"
)

// TickTopic returns "ticks.<exchange>", e.g. "ticks.NSE".
func TickTopic(exchange string) string {
	return tickTopicPrefix + strings.ToUpper(exchange)
}

// CandleTopic returns "candles.<timeframe>", e.g. "candles.5min".
func CandleTopic(tf model.Timeframe) string {
	return candleTopicPrefix + string(tf)
}

// CandleTopics returns the candle topic for every supported timeframe.
func CandleTopics() []string {
	out := make([]string, 0, len(model.Timeframes))
	for _, tf := range model.Timeframes {
		out = append(out, CandleTopic(tf))
	}
	return out
}

// SignalTopic returns "signals.<strategy>".
func SignalTopic(strategy string) string {
	return signalTopicPrefix + strategy
}

// AuditTopic returns "signals.audit.<strategy>".
func AuditTopic(strategy string) string {
	return auditTopicPrefix + strategy
}

// SnapshotTopic is the optional indicator snapshot stream.
func SnapshotTopic() string { return snapshotTopic }
