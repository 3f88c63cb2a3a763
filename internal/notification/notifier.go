// Package notification delivers emitted signals to outbound channels
// (webhook, Telegram) in addition to the Kafka signal topics. Delivery is
// best-effort: a failed notification is logged, never retried, and never
// blocks signal publishing.
package notification

import (
	"context"
	"log/slog"

	"tradingpipe/internal/model"
)

// Notifier delivers one signal to an external channel.
type Notifier interface {
	Notify(ctx context.Context, sig model.Signal) error
}

// Multi fans a signal out to several notifiers, logging failures.
type Multi struct {
	notifiers []Notifier
	log       *slog.Logger
}

// NewMulti wraps the given notifiers. An empty set is valid and does
// nothing.
func NewMulti(log *slog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends to every backend; the first error is returned after all
// backends have been tried.
func (m *Multi) Notify(ctx context.Context, sig model.Signal) error {
	var first error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, sig); err != nil {
			m.log.Warn("signal notification failed",
				"strategy", sig.Strategy, "symbol", sig.Symbol, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
