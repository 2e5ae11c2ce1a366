// Package config loads the engine configuration: tunables from an optional
// YAML file, secrets and operational switches from the environment (a .env
// file is honored when present).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the assembled engine configuration. The asset catalog itself
// lives in the database; this covers everything around it.
type Config struct {
	// Platform selects the broker adapter: "binance" or "bybit".
	Platform string
	// APIKey and APISecret authenticate against the broker.
	APIKey    string
	APISecret string

	// DatabaseDSN is the Postgres connection string for the cycle store.
	DatabaseDSN string
	// MaxDBConns bounds the store's connection pool.
	MaxDBConns int

	LogLevel string
	// LogFile enables rotated file output when non-empty.
	LogFile string

	// JournalDir is where the processed-trade-event WAL lives.
	JournalDir string
	// PIDFile is written at startup and removed at shutdown.
	PIDFile string

	// DryRun logs every order placement and cancellation instead of
	// performing it.
	DryRun bool
	// TestingMode prices limit buys aggressively so fixtures fill fast.
	TestingMode bool

	OrderCooldown       time.Duration
	StaleOrderThreshold time.Duration
	StuckSellTimeout    time.Duration

	OrderCleanerInterval time.Duration
	ConsistencyInterval  time.Duration
	BootstrapInterval    time.Duration

	DrainTimeout time.Duration
}

type yamlConfig struct {
	Platform             string        `yaml:"platform"`
	LogLevel             string        `yaml:"log_level"`
	LogFile              string        `yaml:"log_file"`
	JournalDir           string        `yaml:"journal_dir"`
	PIDFile              string        `yaml:"pid_file"`
	MaxDBConns           int           `yaml:"max_db_conns"`
	OrderCleanerInterval time.Duration `yaml:"order_cleaner_interval"`
	ConsistencyInterval  time.Duration `yaml:"consistency_interval"`
	BootstrapInterval    time.Duration `yaml:"bootstrap_interval"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
}

// Get parses flags, the optional YAML file, and the environment.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	// a missing .env is fine; real deployments export the variables
	_ = godotenv.Load()

	cfg := Config{
		Platform:     "binance",
		LogLevel:     "info",
		JournalDir:   "./journal",
		PIDFile:      "./dcaengine.pid",
		DrainTimeout: 15 * time.Second,
	}

	if *configPath != "" {
		if err := cfg.loadYaml(*configPath); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("BROKER_PLATFORM"); v != "" {
		cfg.Platform = v
	}
	cfg.APIKey = os.Getenv("BROKER_API_KEY")
	cfg.APISecret = os.Getenv("BROKER_API_SECRET")
	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.DryRun = boolEnv("DRY_RUN")
	cfg.TestingMode = boolEnv("TESTING_MODE")

	var err error
	if cfg.OrderCooldown, err = secondsEnv("ORDER_COOLDOWN_SECONDS", 5); err != nil {
		return Config{}, err
	}
	if cfg.StuckSellTimeout, err = secondsEnv("STUCK_SELL_TIMEOUT_SECONDS", 75); err != nil {
		return Config{}, err
	}
	staleMinutes, err := intEnv("STALE_ORDER_THRESHOLD_MINUTES", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.StaleOrderThreshold = time.Duration(staleMinutes) * time.Minute

	return cfg, cfg.validate()
}

func (c *Config) loadYaml(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if y.Platform != "" {
		c.Platform = y.Platform
	}
	if y.LogLevel != "" {
		c.LogLevel = y.LogLevel
	}
	if y.LogFile != "" {
		c.LogFile = y.LogFile
	}
	if y.JournalDir != "" {
		c.JournalDir = y.JournalDir
	}
	if y.PIDFile != "" {
		c.PIDFile = y.PIDFile
	}
	if y.MaxDBConns > 0 {
		c.MaxDBConns = y.MaxDBConns
	}
	c.OrderCleanerInterval = y.OrderCleanerInterval
	c.ConsistencyInterval = y.ConsistencyInterval
	c.BootstrapInterval = y.BootstrapInterval
	if y.DrainTimeout > 0 {
		c.DrainTimeout = y.DrainTimeout
	}
	return nil
}

func (c Config) validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET must be set")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN must be set")
	}
	return nil
}

func boolEnv(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func secondsEnv(key string, def int) (time.Duration, error) {
	v, err := intEnv(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}
