package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"exitengine/internal/execution"
	"exitengine/internal/model"
	"exitengine/internal/planner"
	"exitengine/internal/risk"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	LogLevel string
	LogPath  string

	// Storage
	StoreBackend  string // sqlite | redis | pebble
	SQLitePath    string
	JournalPath   string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	PebblePath    string
	AuditJSONL    string

	// Signal intake
	SignalStream   string // empty disables the Redis stream reader
	SignalGroup    string
	SignalConsumer string

	// HTTP
	APIAddr        string
	MetricsAddr    string
	AllowedOrigins []string

	// Broker
	BrokerMode       string // paper | rest
	BrokerURL        string
	BrokerAPIKey     string
	BrokerUsername   string
	BrokerPassword   string
	BrokerTOTPSecret string
	BrokerTimeout    time.Duration
	PaperSlippageBps int64

	// Dispatch
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	BreakerMaxFailures  int
	BreakerReset        time.Duration

	// Planning and risk
	TP1FractionBps   int64
	CloseEntireAtTP1 bool
	DedupeWindow     int
	MaxPositionSize  int64
	MaxOpenPositions int
	JobTimeout       time.Duration

	// Reconciliation
	ReconcileInterval    time.Duration
	ReconcileSessionOnly bool

	// Instruments
	InstrumentsFile string

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
}

// Load reads configuration from the environment. ENGINE_ENV_FILE (default
// ".env") is loaded first when it exists; variables already set win.
func Load() (*Config, error) {
	envFile := getEnv("ENGINE_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	c := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", ""),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		SQLitePath:    getEnv("SQLITE_PATH", "data/exitengine.db"),
		JournalPath:   getEnv("JOURNAL_PATH", "data/intents.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisPrefix:   getEnv("REDIS_PREFIX", "exit"),
		PebblePath:    getEnv("PEBBLE_PATH", "data/pebble"),
		AuditJSONL:    getEnv("AUDIT_JSONL", "data/audit.jsonl"),

		SignalStream:   getEnv("SIGNAL_STREAM", ""),
		SignalGroup:    getEnv("SIGNAL_GROUP", "exitengine"),
		SignalConsumer: getEnv("SIGNAL_CONSUMER", hostname()),

		APIAddr:        getEnv("API_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		BrokerMode:       strings.ToLower(getEnv("BROKER_MODE", "paper")),
		BrokerURL:        getEnv("BROKER_URL", ""),
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerUsername:   getEnv("BROKER_USERNAME", ""),
		BrokerPassword:   getEnv("BROKER_PASSWORD", ""),
		BrokerTOTPSecret: getEnv("BROKER_TOTP_SECRET", ""),

		InstrumentsFile: getEnv("INSTRUMENTS_FILE", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
	}

	var errs []error
	num := func(key string, def int64) int64 {
		n, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	flag := func(key string, def bool) bool {
		b, err := getBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	c.BrokerTimeout = time.Duration(num("BROKER_TIMEOUT_MS", 7000)) * time.Millisecond
	c.PaperSlippageBps = num("PAPER_SLIPPAGE_BPS", 0)
	c.DispatchMaxAttempts = int(num("DISPATCH_MAX_ATTEMPTS", 4))
	c.DispatchBackoff = time.Duration(num("DISPATCH_BACKOFF_MS", 200)) * time.Millisecond
	c.BreakerMaxFailures = int(num("BREAKER_MAX_FAILURES", 5))
	c.BreakerReset = time.Duration(num("BREAKER_RESET_SEC", 30)) * time.Second
	c.TP1FractionBps = num("TP1_FRACTION_BPS", 7500)
	c.CloseEntireAtTP1 = flag("CLOSE_ENTIRE_AT_TP1", false)
	c.DedupeWindow = int(num("DEDUPE_WINDOW", 256))
	c.MaxPositionSize = num("MAX_POSITION_SIZE", 10)
	c.MaxOpenPositions = int(num("MAX_OPEN_POSITIONS", 5))
	c.JobTimeout = time.Duration(num("JOB_TIMEOUT_SEC", 120)) * time.Second
	c.ReconcileInterval = time.Duration(num("RECONCILE_INTERVAL_SEC", 30)) * time.Second
	c.ReconcileSessionOnly = flag("RECONCILE_SESSION_ONLY", false)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerations, ranges and the credentials the selected
// broker mode needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "sqlite", "redis", "pebble":
	default:
		errs = append(errs, fmt.Errorf("config: STORE_BACKEND %q: want sqlite, redis or pebble", c.StoreBackend))
	}
	switch c.BrokerMode {
	case "paper":
	case "rest":
		for key, v := range map[string]string{
			"BROKER_URL":      c.BrokerURL,
			"BROKER_API_KEY":  c.BrokerAPIKey,
			"BROKER_USERNAME": c.BrokerUsername,
			"BROKER_PASSWORD": c.BrokerPassword,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("config: %s is required when BROKER_MODE=rest", key))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("config: BROKER_MODE %q: want paper or rest", c.BrokerMode))
	}
	if c.TP1FractionBps <= 0 || c.TP1FractionBps >= 10000 {
		errs = append(errs, fmt.Errorf("config: TP1_FRACTION_BPS %d out of range (0, 10000); use CLOSE_ENTIRE_AT_TP1 for a full exit", c.TP1FractionBps))
	}
	if c.DedupeWindow <= 0 {
		errs = append(errs, fmt.Errorf("config: DEDUPE_WINDOW must be positive"))
	}
	if c.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("config: DISPATCH_MAX_ATTEMPTS must be positive"))
	}
	if c.MaxPositionSize <= 0 || c.MaxOpenPositions <= 0 {
		errs = append(errs, fmt.Errorf("config: risk limits must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: RECONCILE_INTERVAL_SEC must be positive"))
	}
	return errors.Join(errs...)
}

// Planner returns the exit planner settings.
func (c *Config) Planner() planner.Config {
	return planner.Config{
		TP1FractionBps:   c.TP1FractionBps,
		CloseEntireAtTP1: c.CloseEntireAtTP1,
		DedupeWindow:     c.DedupeWindow,
	}
}

// RiskLimits returns the signal guard limits.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{MaxPositionSize: c.MaxPositionSize, MaxOpenPositions: c.MaxOpenPositions}
}

// RetryPolicy returns the dispatcher retry policy.
func (c *Config) RetryPolicy() execution.RetryPolicy {
	p := execution.DefaultRetryPolicy()
	p.MaxAttempts = c.DispatchMaxAttempts
	p.BaseBackoff = c.DispatchBackoff
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	if c.BrokerTimeout > 0 {
		p.CallTimeout = c.BrokerTimeout
	}
	return p
}

// InstrumentFile is the YAML layout of INSTRUMENTS_FILE.
//
//	instruments:
//	  - symbol: MNQ
//	    tick_size: 0.25
//	    max_position_size: 6
//	holidays: ["2025-12-25"]
type InstrumentFile struct {
	Instruments []model.Instrument `yaml:"instruments"`
	Holidays    []string           `yaml:"holidays"`
}

// LoadInstruments merges INSTRUMENTS_FILE over the built-in CME table.
// An empty path returns the built-in table.
func (c *Config) LoadInstruments() (model.InstrumentTable, []string, error) {
	table := model.DefaultInstruments()
	if c.InstrumentsFile == "" {
		return table, nil, nil
	}
	raw, err := os.ReadFile(c.InstrumentsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config: instruments: %w", err)
	}
	var f InstrumentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("config: instruments %s: %w", c.InstrumentsFile, err)
	}
	for i, inst := range f.Instruments {
		sym := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if sym == "" {
			return nil, nil, fmt.Errorf("config: instruments[%d]: missing symbol", i)
		}
		if inst.TickSize.IsNegative() || inst.MaxPositionSize < 0 {
			return nil, nil, fmt.Errorf("config: instruments[%d] %s: negative tick size or limit", i, sym)
		}
		inst.Symbol = sym
		if prev, ok := table[sym]; ok && !inst.TickSize.IsPositive() {
			inst.TickSize = prev.TickSize
		}
		table[sym] = inst
	}
	return table, f.Holidays, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q: not an integer", key, v)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q: not a boolean", key, v)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "exitengine-1"
	}
	return h
}
