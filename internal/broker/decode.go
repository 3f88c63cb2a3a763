package broker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"tradingpipe/internal/model"
)

// Binary quote frame layout (little-endian, offsets from frame start):
//
//	byte  0      subscription mode {1=LTP, 2=QUOTE, 3=FULL}
//	byte  1      exchange type {1=NSE, 3=BSE, 5=MCX}
//	bytes 2-26   ASCII symbol token, NUL-padded
//	bytes 35-42  exchange timestamp, u64 milliseconds since epoch
//	bytes 43-50  LTP x 100, u64
//	bytes 51-58  cumulative session volume, u64
//	bytes 59-90  open/high/low/close x 100, u64 each (QUOTE and FULL only)
//
// A frame body of exactly "pong" is a heartbeat. Any frame shorter than 43
// bytes is a control frame and ignored.
const (
	offMode     = 0
	offExchange = 1
	offToken    = 2
	tokenLen    = 25
	offTS       = 35
	offLTP      = 43
	offVolume   = 51
	offOHLC     = 59

	minDataFrame  = 43
	ltpFrameLen   = 59
	quoteFrameLen = 91
)

// Sentinel results for frames that carry no tick. Callers count these
// separately from decode failures.
var (
	ErrHeartbeat    = errors.New("heartbeat frame")
	ErrControlFrame = errors.New("control frame")
	ErrUnknownToken = errors.New("unknown token")
)

var exchangeNames = map[byte]string{
	1: "NSE",
	3: "BSE",
	5: "MCX",
}

var heartbeatBody = []byte("pong")

// DecodeFrame parses one binary frame into a normalized tick. It is a pure
// function: no I/O, no blocking, safe to call from the websocket read loop.
// The token map is immutable and loaded at startup; a frame whose token is
// not in the map returns ErrUnknownToken and is dropped by the caller.
func DecodeFrame(frame []byte, tokens *model.TokenMap) (model.Tick, error) {
	if bytes.Equal(frame, heartbeatBody) {
		return model.Tick{}, ErrHeartbeat
	}
	if len(frame) < minDataFrame {
		return model.Tick{}, ErrControlFrame
	}

	mode := model.SubscriptionMode(frame[offMode])
	switch mode {
	case model.ModeLTP, model.ModeQuote, model.ModeFull:
	default:
		return model.Tick{}, fmt.Errorf("invalid subscription mode %d", frame[offMode])
	}

	exchange, ok := exchangeNames[frame[offExchange]]
	if !ok {
		return model.Tick{}, fmt.Errorf("invalid exchange type %d", frame[offExchange])
	}

	minLen := ltpFrameLen
	if mode != model.ModeLTP {
		minLen = quoteFrameLen
	}
	if len(frame) < minLen {
		return model.Tick{}, fmt.Errorf("frame too short for mode %s: %d bytes", mode, len(frame))
	}

	token := decodeToken(frame[offToken : offToken+tokenLen])
	if token == "" {
		return model.Tick{}, fmt.Errorf("empty token")
	}
	inst, ok := tokens.Resolve(token)
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	tsMillis := binary.LittleEndian.Uint64(frame[offTS : offTS+8])
	// LTP arrives as price x 100, which is exactly paise.
	ltp := int64(binary.LittleEndian.Uint64(frame[offLTP : offLTP+8]))
	volume := binary.LittleEndian.Uint64(frame[offVolume : offVolume+8])
	if ltp <= 0 {
		return model.Tick{}, fmt.Errorf("non-positive ltp %d for token %s", ltp, token)
	}

	tick := model.Tick{
		TradingSymbol: inst.TradingSymbol,
		SymbolToken:   token,
		Exchange:      exchange,
		LTP:           ltp,
		Volume:        volume,
		TS:            time.Unix(0, int64(tsMillis)*int64(time.Millisecond)).UTC(),
		Mode:          mode,
	}

	if mode != model.ModeLTP {
		tick.Open = int64(binary.LittleEndian.Uint64(frame[offOHLC : offOHLC+8]))
		tick.High = int64(binary.LittleEndian.Uint64(frame[offOHLC+8 : offOHLC+16]))
		tick.Low = int64(binary.LittleEndian.Uint64(frame[offOHLC+16 : offOHLC+24]))
		tick.Close = int64(binary.LittleEndian.Uint64(frame[offOHLC+24 : offOHLC+32]))
	}
	return tick, nil
}

func decodeToken(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
