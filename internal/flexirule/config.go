package flexirule

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"tradingpipe/internal/indicator"
	"tradingpipe/internal/model"
)

// StrategyConfig is one FlexiRule strategy as declared in YAML. Validation
// happens at load; a bad file is rejected wholesale while the engine
// continues with the remaining strategies.
type StrategyConfig struct {
	Name      string  `yaml:"name"`
	Timeframe string  `yaml:"timeframe"`
	Threshold float64 `yaml:"threshold"`
	Quantity  int     `yaml:"quantity"`

	Watchlist map[string]string `yaml:"watchlist"` // market -> watchlist file

	Indicators []indicator.Config `yaml:"indicators"`
	Patterns   []PatternConfig    `yaml:"patterns"`

	EntryRules []RuleConfig `yaml:"entry_rules"`
	ExitRules  []RuleConfig `yaml:"exit_rules"`

	StopLoss *ExitLevelConfig `yaml:"stop_loss"`
	Target   *ExitLevelConfig `yaml:"target"`

	TradeManagement *TradeManagement `yaml:"trade_management"`

	// market -> param name -> arithmetic expression over snapshot values
	MarketParams map[string]map[string]string `yaml:"market_params"`
}

// RuleConfig is one weighted condition.
type RuleConfig struct {
	Condition string  `yaml:"condition"`
	Weight    float64 `yaml:"weight"`
}

// ExitLevelConfig describes a stop-loss or target. For fixed/trailing the
// Value field holds a percent string like "2%"; for multi the Rules list is
// scanned in declared order and the first rule whose threshold holds wins.
type ExitLevelConfig struct {
	Type  string          `yaml:"type"` // fixed | trailing | multi
	Value string          `yaml:"value"`
	Rules []ExitLevelRule `yaml:"rules"`
}

// ExitLevelRule is one sub-rule of a multi stop-loss or target.
type ExitLevelRule struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"` // fixed | trailing
	Value       string `yaml:"value"`
	PartialExit string `yaml:"partial_exit"` // target only, e.g. "50%"
}

// TradeManagement holds position management knobs. Breakeven.Trigger is the
// percent gain over entry that arms the breakeven floor.
type TradeManagement struct {
	Breakeven *BreakevenConfig `yaml:"breakeven"`
}

type BreakevenConfig struct {
	Trigger float64 `yaml:"trigger"`
}

// PatternConfig declares a chart pattern exposed to conditions as a boolean
// identifier. Supported types: price_action, smc. The original system also
// declared harmonic and wave kinds but never implemented them; they are
// rejected at load.
type PatternConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Lookback int    `yaml:"lookback"`
	Criteria string `yaml:"criteria"`
}

const (
	defaultThreshold = 0.75
	defaultQuantity  = 100
	defaultLookback  = 20
)

// LoadStrategyFile parses and validates one strategy YAML.
func LoadStrategyFile(path string) (*StrategyConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy %s: %w", path, err)
	}
	var cfg StrategyConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse strategy %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadStrategyDir loads every *.yaml/*.yml under dir. Invalid files are
// skipped and reported; the engine runs with the valid remainder.
func LoadStrategyDir(dir string) (valid []*StrategyConfig, rejected map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read strategy dir %s: %w", dir, err)
	}
	rejected = make(map[string]error)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, lerr := LoadStrategyFile(path)
		if lerr != nil {
			rejected[e.Name()] = lerr
			continue
		}
		valid = append(valid, cfg)
	}
	return valid, rejected, nil
}

// Validate checks the config and fills defaults. All conditions,
// market_params expressions, and percent values must parse so that the
// runtime engine never sees a malformed strategy.
func (c *StrategyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("missing name")
	}
	if _, err := model.ParseTimeframe(c.Timeframe); err != nil {
		return err
	}
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold %v out of [0,1]", c.Threshold)
	}
	if c.Quantity == 0 {
		c.Quantity = defaultQuantity
	}
	if c.Quantity < 0 {
		return fmt.Errorf("quantity %d negative", c.Quantity)
	}
	if len(c.EntryRules) == 0 {
		return fmt.Errorf("no entry_rules")
	}

	for _, ind := range c.Indicators {
		if _, err := indicator.New(ind); err != nil {
			return err
		}
	}
	for i := range c.Patterns {
		p := &c.Patterns[i]
		switch p.Type {
		case "price_action", "smc":
		case "harmonic", "wave":
			return fmt.Errorf("pattern %q: type %q is not supported", p.Name, p.Type)
		default:
			return fmt.Errorf("pattern %q: unknown type %q", p.Name, p.Type)
		}
		if p.Name == "" {
			return fmt.Errorf("pattern with type %q missing name", p.Type)
		}
		if p.Lookback == 0 {
			p.Lookback = defaultLookback
		}
		if p.Lookback < 2 {
			return fmt.Errorf("pattern %q: lookback %d too small", p.Name, p.Lookback)
		}
		if _, err := compilePattern(*p); err != nil {
			return err
		}
	}

	for _, r := range append(append([]RuleConfig{}, c.EntryRules...), c.ExitRules...) {
		if r.Condition == "" {
			return fmt.Errorf("rule with empty condition")
		}
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("rule %q: weight %v out of [0,1]", r.Condition, r.Weight)
		}
		if _, err := ParseCondition(r.Condition); err != nil {
			return err
		}
	}

	if err := validateExitLevel("stop_loss", c.StopLoss, false); err != nil {
		return err
	}
	if err := validateExitLevel("target", c.Target, true); err != nil {
		return err
	}

	if c.TradeManagement != nil && c.TradeManagement.Breakeven != nil {
		if t := c.TradeManagement.Breakeven.Trigger; t <= 0 {
			return fmt.Errorf("trade_management.breakeven.trigger %v must be positive", t)
		}
	}

	for market, params := range c.MarketParams {
		for name, expr := range params {
			if _, err := ParseArith(expr); err != nil {
				return fmt.Errorf("market_params.%s.%s: %w", market, name, err)
			}
		}
	}
	return nil
}

func validateExitLevel(what string, cfg *ExitLevelConfig, allowPartial bool) error {
	if cfg == nil {
		return nil
	}
	switch cfg.Type {
	case "fixed", "trailing":
		if _, err := parsePercent(cfg.Value); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	case "multi":
		if len(cfg.Rules) == 0 {
			return fmt.Errorf("%s: multi requires rules", what)
		}
		for _, r := range cfg.Rules {
			if r.Type != "fixed" && r.Type != "trailing" {
				return fmt.Errorf("%s rule %q: type %q must be fixed or trailing", what, r.ID, r.Type)
			}
			if _, err := parsePercent(r.Value); err != nil {
				return fmt.Errorf("%s rule %q: %w", what, r.ID, err)
			}
			if r.PartialExit != "" {
				if !allowPartial {
					return fmt.Errorf("%s rule %q: partial_exit only valid on targets", what, r.ID)
				}
				pct, err := parsePercent(r.PartialExit)
				if err != nil {
					return fmt.Errorf("%s rule %q partial_exit: %w", what, r.ID, err)
				}
				if pct <= 0 || pct >= 1 {
					return fmt.Errorf("%s rule %q: partial_exit %q out of (0,100)", what, r.ID, r.PartialExit)
				}
			}
		}
	default:
		return fmt.Errorf("%s: unknown type %q", what, cfg.Type)
	}
	return nil
}

// parsePercent converts "5%" (or "5") to 0.05.
func parsePercent(s string) (float64, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(s), "%")
	if trimmed == "" {
		return 0, fmt.Errorf("empty percent value")
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("bad percent value %q", s)
	}
	return v / 100, nil
}
