// Package config loads the duel engine's configuration from an optional
// YAML file, a .env file and the environment, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pnlduel/duel-engine/internal/notify"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Referee RefereeConfig `yaml:"referee"`
	Pricing PricingConfig `yaml:"pricing"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener. Operators may credit accounts
// over HTTP; with none, deposits are only possible from duelctl.
type ServerConfig struct {
	Port      string   `yaml:"port"`
	Operators []string `yaml:"operators"`
}

// StorageConfig selects the backend. DatabaseURL wins over SQLitePath;
// neither means in-memory.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// EscrowConfig is ledger policy.
type EscrowConfig struct {
	FeeBasisPoints *int64        `yaml:"fee_bps"` // nil means the default
	Treasury       string        `yaml:"treasury"`
	Resolvers      []string      `yaml:"resolvers"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// RefereeConfig controls resolution. TradeReporters are the execution
// services allowed to journal fills made outside the engine.
type RefereeConfig struct {
	ResolverID      string        `yaml:"resolver_id"`
	TradeReporters  []string      `yaml:"trade_reporters"`
	BaseInstrument  string        `yaml:"base_instrument"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ResolveTimeout  time.Duration `yaml:"resolve_timeout"`
	DistributedLock bool          `yaml:"distributed_lock"` // requires storage.redis_url
	SlippageBps     int64         `yaml:"slippage_bps"`
}

// PricingConfig points at the price feed. An empty APIURL uses the
// static prices below.
type PricingConfig struct {
	APIURL        string            `yaml:"api_url"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Timeout       time.Duration     `yaml:"timeout"`
	Static        map[string]string `yaml:"static"` // instrument -> decimal price
}

// NotifyConfig controls activity notifications.
type NotifyConfig struct {
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	Timeout      time.Duration `yaml:"timeout"`
	Attempts     int           `yaml:"attempts"`
	QueueSize    int           `yaml:"queue_size"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads path (skipped when empty), then .env if present, then
// environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	return &cfg, nil
}

// FeeBasisPoints returns the configured fee.
func (c *Config) FeeBasisPoints() int64 {
	return *c.Escrow.FeeBasisPoints
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PORT":             &cfg.Server.Port,
		"DATABASE_URL":     &cfg.Storage.DatabaseURL,
		"SQLITE_PATH":      &cfg.Storage.SQLitePath,
		"REDIS_URL":        &cfg.Storage.RedisURL,
		"KAFKA_TOPIC":      &cfg.Notify.KafkaTopic,
		"PRICE_API_URL":    &cfg.Pricing.APIURL,
		"LOG_LEVEL":        &cfg.Log.Level,
		"LOG_FORMAT":       &cfg.Log.Format,
		"RESOLVER_ID":      &cfg.Referee.ResolverID,
		"TREASURY_ACCOUNT": &cfg.Escrow.Treasury,
		"BASE_INSTRUMENT":  &cfg.Referee.BaseInstrument,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	list := map[string]*[]string{
		"KAFKA_BROKERS":   &cfg.Notify.KafkaBrokers,
		"OPERATORS":       &cfg.Server.Operators,
		"TRADE_REPORTERS": &cfg.Referee.TradeReporters,
	}
	for key, dst := range list {
		if v := os.Getenv(key); v != "" {
			*dst = notify.ParseBrokers(v)
		}
	}
	if v := os.Getenv("FEE_BPS"); v != "" {
		bps, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config.Load: FEE_BPS: %w", err)
		}
		cfg.Escrow.FeeBasisPoints = &bps
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Escrow.FeeBasisPoints == nil {
		bps := int64(100)
		cfg.Escrow.FeeBasisPoints = &bps
	}
	if cfg.Escrow.Treasury == "" {
		cfg.Escrow.Treasury = "treasury"
	}
	if cfg.Escrow.GracePeriod <= 0 {
		cfg.Escrow.GracePeriod = 60 * time.Second
	}
	if cfg.Referee.ResolverID == "" {
		cfg.Referee.ResolverID = "referee"
	}
	// The referee must always be able to settle.
	if !slices.Contains(cfg.Escrow.Resolvers, cfg.Referee.ResolverID) {
		cfg.Escrow.Resolvers = append(cfg.Escrow.Resolvers, cfg.Referee.ResolverID)
	}
	if cfg.Referee.BaseInstrument == "" {
		cfg.Referee.BaseInstrument = "USDC"
	}
	if cfg.Referee.SweepInterval <= 0 {
		cfg.Referee.SweepInterval = 5 * time.Second
	}
	if cfg.Referee.ResolveTimeout <= 0 {
		cfg.Referee.ResolveTimeout = 30 * time.Second
	}
	if cfg.Pricing.RatePerSecond <= 0 {
		cfg.Pricing.RatePerSecond = 10
	}
	if cfg.Pricing.Timeout <= 0 {
		cfg.Pricing.Timeout = 3 * time.Second
	}
	if cfg.Notify.KafkaTopic == "" {
		cfg.Notify.KafkaTopic = "duel.activity"
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 2 * time.Second
	}
	if cfg.Notify.Attempts <= 0 {
		cfg.Notify.Attempts = 3
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
