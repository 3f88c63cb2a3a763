// Package config loads service configuration from environment variables.
// Mains call godotenv.Load first so a local .env file can seed the
// environment in development.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"tradingpipe/internal/model"
)

// Common holds configuration shared by all three services.
type Common struct {
	KafkaBrokers  []string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MetricsAddr   string
	LogLevel      string // debug, info, warn, error
	Market        string
}

// MDEngine is the market data engine configuration.
type MDEngine struct {
	Common

	// Broker credentials
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string

	StreamURL      string // empty = broker default
	SubscribeMode  int    // 1=LTP, 2=QUOTE, 3=FULL
	WatchlistPaths []string
	PostgresDSN    string
	Timeframes     []model.Timeframe
}

// IndEngine is the indicator engine configuration.
type IndEngine struct {
	Common

	ConsumerGroup    string
	PostgresDSN      string
	PublishSnapshots bool
}

// RuleEngine is the rule engine configuration.
type RuleEngine struct {
	Common

	ConsumerGroup string
	StrategyDir   string
	Workers       int // <= 0 means NumCPU

	// Optional outbound signal notifications.
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

func loadCommon() Common {
	return Common{
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Market:        getEnv("MARKET", "india"),
	}
}

// LoadMDEngine reads the market data engine configuration. Missing required
// variables are fatal (exit code 1).
func LoadMDEngine() *MDEngine {
	cfg := &MDEngine{
		Common:         loadCommon(),
		APIKey:         mustEnv("BROKER_API_KEY"),
		ClientCode:     mustEnv("BROKER_CLIENT_CODE"),
		Password:       mustEnv("BROKER_PASSWORD"),
		TOTPSecret:     mustEnv("BROKER_TOTP_SECRET"),
		StreamURL:      getEnv("BROKER_STREAM_URL", ""),
		SubscribeMode:  getEnvInt("SUBSCRIBE_MODE", 1),
		WatchlistPaths: splitList(mustEnv("WATCHLIST_PATHS")),
		PostgresDSN:    mustEnv("POSTGRES_DSN"),
	}
	for _, s := range splitList(getEnv("TIMEFRAMES", "1min,5min,15min,30min,1hr")) {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			log.Fatalf("config: TIMEFRAMES: %v", err)
		}
		cfg.Timeframes = append(cfg.Timeframes, tf)
	}
	if len(cfg.Timeframes) == 0 {
		log.Fatalf("config: TIMEFRAMES is empty")
	}
	return cfg
}

// LoadIndEngine reads the indicator engine configuration.
func LoadIndEngine() *IndEngine {
	return &IndEngine{
		Common:           loadCommon(),
		ConsumerGroup:    getEnv("CONSUMER_GROUP", "indengine"),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		PublishSnapshots: getEnvBool("PUBLISH_SNAPSHOTS", false),
	}
}

// LoadRuleEngine reads the rule engine configuration.
func LoadRuleEngine() *RuleEngine {
	return &RuleEngine{
		Common:           loadCommon(),
		ConsumerGroup:    getEnv("CONSUMER_GROUP", "ruleengine"),
		StrategyDir:      mustEnv("STRATEGY_DIR"),
		Workers:          getEnvInt("WORKERS", 0),
		WebhookURL:       getEnv("SIGNAL_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("config: required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("config: %s: invalid integer %q", key, v)
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("config: %s: invalid bool %q", key, v)
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
