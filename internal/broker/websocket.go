package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

const (
	defaultStreamURL = "wss://smartapisocket.angelone.in/smart-stream"

	heartbeatMessage  = "ping"
	heartbeatInterval = 10 * time.Second
	readIdleTimeout   = 60 * time.Second
	writeTimeout      = 5 * time.Second

	reconnectBase   = 1 * time.Second
	reconnectCap    = 30 * time.Second
	reconnectJitter = 0.2
)

// StreamConfig configures the websocket tick stream.
type StreamConfig struct {
	URL        string // empty = production endpoint
	APIKey     string
	ClientCode string
	Session    *Session
	Mode       model.SubscriptionMode
	Tokens     *model.TokenMap
}

// Stream owns the broker websocket: dial, subscribe, decode, reconnect.
// Decoded ticks are emitted non-blocking on the output channel; a full
// channel drops the tick and bumps a counter. Missed time during reconnects
// is reconciled by the aggregator's backfill, never by tick replay.
type Stream struct {
	cfg     StreamConfig
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewStream creates a tick stream.
func NewStream(cfg StreamConfig, log *slog.Logger, m *metrics.Metrics) *Stream {
	if cfg.URL == "" {
		cfg.URL = defaultStreamURL
	}
	return &Stream{cfg: cfg, log: log, metrics: m}
}

// Run connects and streams ticks into out until ctx is cancelled. Each
// disconnect reconnects with exponential backoff (base 1s, cap 30s, jitter
// +/-20%) and resends the full subscription.
func (s *Stream) Run(ctx context.Context, out chan<- model.Tick) error {
	backoff := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.connect(ctx)
		if err != nil {
			s.log.Warn("websocket connect failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			if backoff *= 2; backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		backoff = reconnectBase
		err = s.readLoop(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("websocket closed, reconnecting", "error", err)
		s.metrics.WSReconnects.Inc()
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", s.cfg.Session.AuthToken)
	header.Set("x-api-key", s.cfg.APIKey)
	header.Set("x-client-code", s.cfg.ClientCode)
	header.Set("x-feed-token", s.cfg.Session.FeedToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Join(err, errors.New("status "+resp.Status))
		}
		return nil, err
	}

	if err := s.subscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}
	s.log.Info("websocket connected", "url", s.cfg.URL, "tokens", s.cfg.Tokens.Len())
	return conn, nil
}

type tokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type subscribeRequest struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"` // 1 = subscribe
	Params        struct {
		Mode      int              `json:"mode"`
		TokenList []tokenListEntry `json:"tokenList"`
	} `json:"params"`
}

var exchangeTypes = map[string]int{"NSE": 1, "BSE": 3, "MCX": 5}

// subscribe sends the full token list grouped by exchange. Called on every
// (re)connect; the broker treats it as idempotent.
func (s *Stream) subscribe(conn *websocket.Conn) error {
	byExchange := make(map[int][]string)
	for _, ins := range s.cfg.Tokens.Instruments() {
		et, ok := exchangeTypes[ins.Exchange]
		if !ok {
			s.log.Warn("skipping instrument on unsupported exchange",
				"symbol", ins.TradingSymbol, "exchange", ins.Exchange)
			continue
		}
		byExchange[et] = append(byExchange[et], ins.SymbolToken)
	}

	req := subscribeRequest{
		CorrelationID: uuid.NewString(),
		Action:        1,
	}
	req.Params.Mode = int(s.cfg.Mode)
	for et, tokens := range byExchange {
		req.Params.TokenList = append(req.Params.TokenList, tokenListEntry{ExchangeType: et, Tokens: tokens})
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

// readLoop decodes frames until read error or idle timeout. A heartbeat
// goroutine keeps the session alive; any read resets the idle deadline.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.Tick) error {
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatMessage)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		tick, err := DecodeFrame(frame, s.cfg.Tokens)
		if err != nil {
			switch {
			case errors.Is(err, ErrHeartbeat), errors.Is(err, ErrControlFrame):
				// expected traffic, not an error
			case errors.Is(err, ErrUnknownToken):
				s.metrics.DecodeErrors.Inc()
				s.log.Warn("dropping tick for unknown token", "error", err)
			default:
				s.metrics.DecodeErrors.Inc()
				s.log.Debug("dropping undecodable frame", "len", len(frame), "error", err)
			}
			continue
		}

		select {
		case out <- tick:
			s.metrics.TicksReceived.Inc()
		default:
			s.metrics.TicksDropped.Inc()
		}
	}
}

// jitter spreads d by +/-20% so reconnect storms decorrelate.
func jitter(d time.Duration) time.Duration {
	f := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
