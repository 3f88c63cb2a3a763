package flexirule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradingpipe/internal/model"
)

// PositionState is the lifecycle of a per-(symbol, strategy) position.
// Legal transitions: FLAT -> OPEN -> (PARTIAL)* -> EXITED.
type PositionState string

const (
	StateFlat    PositionState = "FLAT"
	StateOpen    PositionState = "OPEN"
	StatePartial PositionState = "PARTIAL"
	StateExited  PositionState = "EXITED"
)

// Position is the mutable per-(symbol, strategy) state. Prices are paise.
// Mutated only by the RuleEngine that created it.
type Position struct {
	State          PositionState
	EntryPrice     int64
	EntryTime      time.Time
	Quantity       int
	Highest        int64 // highest close since entry
	Lowest         int64 // lowest close since entry
	BreakevenArmed bool
	Remaining      float64 // fraction still held, in (0,1]
}

type compiledRule struct {
	condition string
	weight    float64
	expr      Expr
}

// Result is the outcome of evaluating one candle: at most one signal, plus
// audit records for every state transition that occurred (breakeven arming
// produces an audit with no signal).
type Result struct {
	Signal *model.Signal
	Audits []model.AuditRecord
}

// RuleEngine evaluates one strategy across its watched symbols. All state
// for a symbol lives on the worker that owns it; the engine is not
// goroutine-safe and is meant to be driven by a single worker.
type RuleEngine struct {
	name      string
	timeframe model.Timeframe
	threshold float64
	quantity  int
	log       *slog.Logger

	entryRules []compiledRule
	exitRules  []compiledRule
	stopLoss   *ExitLevelConfig
	target     *ExitLevelConfig
	breakeven  *BreakevenConfig

	marketParams map[string]Arith
	patterns     []*pattern
	maxWindow    int

	positions   map[string]*Position
	windows     map[string][]model.Candle
	lastBucket  map[string]time.Time
	quarantined map[string]bool
}

// NewRuleEngine compiles a validated StrategyConfig for the given market.
func NewRuleEngine(cfg *StrategyConfig, market string, log *slog.Logger) (*RuleEngine, error) {
	e := &RuleEngine{
		name:        cfg.Name,
		timeframe:   model.Timeframe(cfg.Timeframe),
		threshold:   cfg.Threshold,
		quantity:    cfg.Quantity,
		log:         log.With("strategy", cfg.Name),
		stopLoss:    cfg.StopLoss,
		target:      cfg.Target,
		positions:   make(map[string]*Position),
		windows:     make(map[string][]model.Candle),
		lastBucket:  make(map[string]time.Time),
		quarantined: make(map[string]bool),
	}
	if cfg.TradeManagement != nil {
		e.breakeven = cfg.TradeManagement.Breakeven
	}

	var err error
	if e.entryRules, err = compileRules(cfg.EntryRules); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.Name, err)
	}
	if e.exitRules, err = compileRules(cfg.ExitRules); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.Name, err)
	}

	e.marketParams = make(map[string]Arith)
	for name, expr := range cfg.MarketParams[market] {
		a, err := ParseArith(expr)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: market_params.%s: %w", cfg.Name, name, err)
		}
		e.marketParams[name] = a
	}

	for _, pc := range cfg.Patterns {
		p, err := compilePattern(pc)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", cfg.Name, err)
		}
		e.patterns = append(e.patterns, p)
		if p.lookback > e.maxWindow {
			e.maxWindow = p.lookback
		}
	}
	return e, nil
}

func compileRules(rules []RuleConfig) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		expr, err := ParseCondition(r.Condition)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledRule{condition: r.Condition, weight: r.Weight, expr: expr})
	}
	return out, nil
}

// Name returns the strategy name.
func (e *RuleEngine) Name() string { return e.name }

// Timeframe returns the candle timeframe the strategy evaluates on.
func (e *RuleEngine) Timeframe() model.Timeframe { return e.timeframe }

// PositionFor returns a copy of the current position for symbol, if any.
func (e *RuleEngine) PositionFor(symbol string) (Position, bool) {
	p, ok := e.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Quarantined reports whether symbol has been quarantined after a state
// invariant violation.
func (e *RuleEngine) Quarantined(symbol string) bool { return e.quarantined[symbol] }

// Evaluate runs the state machine for one closed candle. Precedence for an
// open position: breakeven arm, stop-loss, target, weighted exit rules; a
// flat symbol evaluates entry rules. HOLD is internal and yields a nil
// Signal. Candles at or before the last seen bucket are skipped.
func (e *RuleEngine) Evaluate(c model.Candle, snap model.Snapshot) Result {
	symbol := c.TradingSymbol
	if e.quarantined[symbol] {
		return Result{}
	}
	if !c.Closed || c.Timeframe != e.timeframe {
		return Result{}
	}
	if last, ok := e.lastBucket[symbol]; ok && !c.BucketStart.After(last) {
		return Result{}
	}
	e.lastBucket[symbol] = c.BucketStart

	if pos := e.positions[symbol]; pos != nil {
		if err := checkPosition(pos); err != nil {
			e.quarantined[symbol] = true
			delete(e.positions, symbol)
			e.log.Error("position invariant violated, quarantining symbol",
				"symbol", symbol, "error", err)
			return Result{}
		}
	}

	e.pushWindow(symbol, c)
	res := Resolver(e.newResolver(symbol, c, snap))

	var out Result
	if pos, open := e.positions[symbol]; open {
		out = e.evalOpen(symbol, c, snap, pos, res)
	} else {
		out = e.evalFlat(symbol, c, snap, res)
	}
	return out
}

func checkPosition(p *Position) error {
	if p.State != StateOpen && p.State != StatePartial {
		return fmt.Errorf("held position in state %s", p.State)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("entry price %d", p.EntryPrice)
	}
	if p.Remaining <= 0 || p.Remaining > 1 {
		return fmt.Errorf("remaining fraction %v out of (0,1]", p.Remaining)
	}
	return nil
}

func (e *RuleEngine) pushWindow(symbol string, c model.Candle) {
	if e.maxWindow == 0 {
		return
	}
	w := append(e.windows[symbol], c)
	if len(w) > e.maxWindow {
		w = w[len(w)-e.maxWindow:]
	}
	e.windows[symbol] = w
}

// newResolver builds the identifier resolution chain for one evaluation:
// OHLCV fields, then indicator snapshot values, then market_params
// expressions (themselves resolved against the snapshot), then pattern
// flags as 0/1.
func (e *RuleEngine) newResolver(symbol string, c model.Candle, snap model.Snapshot) ResolverFunc {
	var snapRes ResolverFunc = func(name string) (float64, bool) {
		v, ok := snap.Lookup(name)
		return v, ok
	}
	var patternFlags map[string]bool
	if len(e.patterns) > 0 {
		patternFlags = make(map[string]bool, len(e.patterns))
		for _, p := range e.patterns {
			patternFlags[p.name] = p.eval(e.windows[symbol])
		}
	}
	return func(name string) (float64, bool) {
		switch name {
		case "open":
			return model.Rupees(c.Open), true
		case "high":
			return model.Rupees(c.High), true
		case "low":
			return model.Rupees(c.Low), true
		case "close":
			return model.Rupees(c.Close), true
		case "volume":
			return float64(c.Volume), true
		}
		if v, ok := snap.Lookup(name); ok {
			return v, true
		}
		if expr, ok := e.marketParams[name]; ok {
			return expr.Eval(snapRes)
		}
		if flag, ok := patternFlags[name]; ok {
			if flag {
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
}

func (e *RuleEngine) evalOpen(symbol string, c model.Candle, snap model.Snapshot, pos *Position, res Resolver) Result {
	close := model.Rupees(c.Close)
	entry := model.Rupees(pos.EntryPrice)
	var out Result

	if c.Close > pos.Highest {
		pos.Highest = c.Close
	}
	if c.Close < pos.Lowest {
		pos.Lowest = c.Close
	}

	// Breakeven arm: one-way flag, no signal.
	if e.breakeven != nil && !pos.BreakevenArmed &&
		close >= entry*(1+e.breakeven.Trigger/100) {
		pos.BreakevenArmed = true
		out.Audits = append(out.Audits, e.audit(symbol, c, snap, "",
			fmt.Sprintf("breakeven armed at %.2f (entry %.2f, trigger %v%%)", close, entry, e.breakeven.Trigger), nil))
		e.log.Info("breakeven armed", "symbol", symbol, "close", close, "entry", entry)
	}

	if sig, reason, hit := e.evalStopLoss(pos, close, entry); hit {
		pos.State = StateExited
		delete(e.positions, symbol)
		return e.finish(out, symbol, c, snap, sig, reason, nil)
	}

	if sig, reason, pct, hit := e.evalTarget(pos, close, entry); hit {
		if pct > 0 {
			pos.Remaining *= 1 - pct/100
			// The position stays held; PARTIAL only marks that a slice of
			// the size is gone. Every open-position check treats OPEN and
			// PARTIAL identically.
			pos.State = StatePartial
		} else {
			pos.State = StateExited
			delete(e.positions, symbol)
		}
		return e.finish(out, symbol, c, snap, sig, reason, nil)
	}

	if fired, trace := e.evalRules(e.exitRules, res); fired {
		pos.State = StateExited
		delete(e.positions, symbol)
		return e.finish(out, symbol, c, snap, model.SignalSell, "exit rules fired", trace)
	}

	return out
}

func (e *RuleEngine) evalFlat(symbol string, c model.Candle, snap model.Snapshot, res Resolver) Result {
	fired, trace := e.evalRules(e.entryRules, res)
	if !fired {
		return Result{} // HOLD
	}
	e.positions[symbol] = &Position{
		State:      StateOpen,
		EntryPrice: c.Close,
		EntryTime:  c.BucketStart,
		Quantity:   e.quantity,
		Highest:    c.Close,
		Lowest:     c.Close,
		Remaining:  1.0,
	}
	return e.finish(Result{}, symbol, c, snap, model.SignalBuy, "entry rules fired", trace)
}

// finish attaches the signal and its audit record to the result.
func (e *RuleEngine) finish(out Result, symbol string, c model.Candle, snap model.Snapshot, sig, reason string, trace []model.RuleTrace) Result {
	out.Signal = &model.Signal{
		Symbol:    symbol,
		Strategy:  e.name,
		Signal:    sig,
		Price:     c.Close,
		Timestamp: c.BucketStart,
		Reason:    reason,
	}
	out.Audits = append(out.Audits, e.audit(symbol, c, snap, sig, reason, trace))
	e.log.Info("signal", "symbol", symbol, "signal", sig, "price", model.Rupees(c.Close), "reason", reason)
	return out
}

func (e *RuleEngine) audit(symbol string, c model.Candle, snap model.Snapshot, sig, reason string, trace []model.RuleTrace) model.AuditRecord {
	return model.AuditRecord{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Strategy:  e.name,
		Signal:    sig,
		Price:     c.Close,
		Timestamp: c.BucketStart,
		Reason:    reason,
		OHLCV:     c,
		Snapshot:  snap.Values,
		RuleTrace: trace,
	}
}

// evalStopLoss checks the configured stop against close. The breakeven
// floor raises any stop price below entry up to entry once armed.
func (e *RuleEngine) evalStopLoss(pos *Position, close, entry float64) (sig, reason string, hit bool) {
	if e.stopLoss == nil {
		return "", "", false
	}
	check := func(ruleType, value, id string) (string, string, bool) {
		v, _ := parsePercent(value)
		var slPrice float64
		switch ruleType {
		case "fixed":
			slPrice = entry * (1 - v)
		case "trailing":
			slPrice = model.Rupees(pos.Highest) * (1 - v)
		default:
			return "", "", false
		}
		floored := false
		if pos.BreakevenArmed && slPrice < entry {
			slPrice = entry
			floored = true
		}
		if close > slPrice {
			return "", "", false
		}
		reason := fmt.Sprintf("%s stop-loss hit at %.2f (stop %.2f)", ruleType, close, slPrice)
		if floored {
			reason += ", breakeven floor applied"
		}
		return model.SellSignal(id), reason, true
	}

	if e.stopLoss.Type == "multi" {
		for _, r := range e.stopLoss.Rules {
			id := r.ID
			if id == "" {
				id = r.Type
			}
			if sig, reason, hit := check(r.Type, r.Value, id); hit {
				return sig, reason, true
			}
		}
		return "", "", false
	}
	return check(e.stopLoss.Type, e.stopLoss.Value, "")
}

// evalTarget mirrors the stop-loss on the upside. pct > 0 means a partial
// exit of that percent of the remaining position.
func (e *RuleEngine) evalTarget(pos *Position, close, entry float64) (sig, reason string, pct float64, hit bool) {
	if e.target == nil {
		return "", "", 0, false
	}
	check := func(ruleType, value, partialExit, id string) (string, string, float64, bool) {
		v, _ := parsePercent(value)
		var tgtPrice float64
		switch ruleType {
		case "fixed":
			tgtPrice = entry * (1 + v)
		case "trailing":
			tgtPrice = model.Rupees(pos.Lowest) * (1 + v)
		default:
			return "", "", 0, false
		}
		if close < tgtPrice {
			return "", "", 0, false
		}
		reason := fmt.Sprintf("%s target hit at %.2f (target %.2f)", ruleType, close, tgtPrice)
		if partialExit != "" {
			frac, _ := parsePercent(partialExit)
			pct := frac * 100
			return model.PartialSellSignal(pct, id), reason + fmt.Sprintf(", partial exit %v%%", pct), pct, true
		}
		return model.SellSignal(id), reason, 0, true
	}

	if e.target.Type == "multi" {
		for _, r := range e.target.Rules {
			id := r.ID
			if id == "" {
				id = r.Type
			}
			if sig, reason, pct, hit := check(r.Type, r.Value, r.PartialExit, id); hit {
				return sig, reason, pct, true
			}
		}
		return "", "", 0, false
	}
	return check(e.target.Type, e.target.Value, "", "")
}

// evalRules runs a weighted rule list: fires when the summed weight of
// satisfied conditions reaches threshold times the total weight.
func (e *RuleEngine) evalRules(rules []compiledRule, res Resolver) (bool, []model.RuleTrace) {
	if len(rules) == 0 {
		return false, nil
	}
	total := 0.0
	satisfied := 0.0
	trace := make([]model.RuleTrace, 0, len(rules))
	for _, r := range rules {
		total += r.weight
		ok := r.expr.Eval(res)
		if ok {
			satisfied += r.weight
		}
		trace = append(trace, model.RuleTrace{Condition: r.condition, Weight: r.weight, Satisfied: ok})
	}
	return satisfied >= e.threshold*total, trace
}
