package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tradingpipe/internal/model"
)

const (
	// The broker allows 5 historical requests per second per session.
	historyRatePerSec = 5
	historyTimeout    = 15 * time.Second
	historyDateFormat = "2006-01-02 15:04"
)

// History fetches historical candles from the broker REST API. Used by the
// aggregator's backfill path and by indicator bootstrap.
type History struct {
	auth    *Auth
	session *Session
	limiter *rate.Limiter
	client  *http.Client
	log     *slog.Logger
}

// NewHistory creates a history client bound to an authenticated session.
func NewHistory(auth *Auth, session *Session, log *slog.Logger) *History {
	return &History{
		auth:    auth,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(historyRatePerSec), 1),
		client:  &http.Client{Timeout: historyTimeout},
		log:     log,
	}
}

type candleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

// Each data row is a mixed-type array: [timestamp string, o, h, l, c, volume].
type candleResponse struct {
	Status  bool    `json:"status"`
	Message string  `json:"message"`
	Data    [][]any `json:"data"`
}

// Candles fetches closed candles for [from, to] at the given timeframe,
// ascending by bucket. Each wire row is [timestamp, open, high, low, close,
// volume]; prices arrive as rupee decimals and are converted to paise.
func (h *History) Candles(ctx context.Context, inst model.Instrument, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(candleRequest{
		Exchange:    inst.Exchange,
		SymbolToken: inst.SymbolToken,
		Interval:    tf.Interval(),
		FromDate:    from.In(model.MarketLocation()).Format(historyDateFormat),
		ToDate:      to.In(model.MarketLocation()).Format(historyDateFormat),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.auth.rootURL+candleRoute, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	h.auth.setHeaders(req, h.session.AuthToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candle request %s %s: %w", inst.TradingSymbol, tf, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read candle response: %w", err)
	}
	var cr candleResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("parse candle response: %w", err)
	}
	if !cr.Status {
		return nil, fmt.Errorf("candle request rejected for %s: %s", inst.TradingSymbol, cr.Message)
	}

	candles := make([]model.Candle, 0, len(cr.Data))
	for _, row := range cr.Data {
		c, err := parseCandleRow(row, inst, tf)
		if err != nil {
			h.log.Warn("skipping malformed candle row", "symbol", inst.TradingSymbol, "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandleRow(row []any, inst model.Instrument, tf model.Timeframe) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("row has %d fields", len(row))
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return model.Candle{}, fmt.Errorf("timestamp is %T", row[0])
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return model.Candle{}, fmt.Errorf("bad timestamp %q: %w", tsStr, err)
	}
	prices := make([]int64, 4)
	for i := 0; i < 4; i++ {
		f, ok := row[i+1].(float64)
		if !ok {
			return model.Candle{}, fmt.Errorf("price field %d is %T", i+1, row[i+1])
		}
		prices[i] = int64(math.Round(f * 100))
	}
	volF, ok := row[5].(float64)
	if !ok {
		return model.Candle{}, fmt.Errorf("volume is %T", row[5])
	}
	vol := int64(volF)

	c := model.Candle{
		TradingSymbol: inst.TradingSymbol,
		Exchange:      inst.Exchange,
		Timeframe:     tf,
		BucketStart:   ts.UTC(),
		Open:          prices[0],
		High:          prices[1],
		Low:           prices[2],
		Close:         prices[3],
		Volume:        vol,
		Closed:        true,
	}
	if !c.Valid() {
		return model.Candle{}, fmt.Errorf("invalid ohlcv at %s", ts)
	}
	return c, nil
}
