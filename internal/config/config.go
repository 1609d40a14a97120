package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values come from Default, then
// the YAML file, then environment overrides.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Chain       ChainConfig       `yaml:"chain"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Retry       RetryConfig       `yaml:"retry"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Fees        FeesConfig        `yaml:"fees"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	HMACSecret        string        `yaml:"hmacSecret"`
	HMACClockSkew     time.Duration `yaml:"hmacClockSkew"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpcUrl"`
	PrivateKey     string        `yaml:"privateKey"`
	TokenAddress   string        `yaml:"tokenAddress"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// PersistenceConfig selects Postgres when PostgresDSN is set and JSON files
// under Dir otherwise.
type PersistenceConfig struct {
	Dir            string        `yaml:"dir"`
	PostgresDSN    string        `yaml:"postgresDsn"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"maxRetries"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	StuckThreshold    time.Duration `yaml:"stuckThreshold"`
}

type PipelineConfig struct {
	PollInterval          time.Duration `yaml:"pollInterval"`
	OnRampAttempts        int           `yaml:"onRampAttempts"`
	TransferAttempts      int           `yaml:"transferAttempts"`
	OffRampAttempts       int           `yaml:"offRampAttempts"`
	SettleDelay           time.Duration `yaml:"settleDelay"`
	RequiredConfirmations uint64        `yaml:"requiredConfirmations"`
	CleanupInterval       time.Duration `yaml:"cleanupInterval"`
	Retention             time.Duration `yaml:"retention"`
}

type FeesConfig struct {
	OnRampRate        decimal.Decimal `yaml:"onRampRate"`
	OffRampRate       decimal.Decimal `yaml:"offRampRate"`
	FXSpread          decimal.Decimal `yaml:"fxSpread"`
	BlockchainBaseFee decimal.Decimal `yaml:"blockchainBaseFee"`
	MinimumFee        decimal.Decimal `yaml:"minimumFee"`
	BaseMinutes       int             `yaml:"baseMinutes"`
	SimulationSeed    uint64          `yaml:"simulationSeed"`
}

type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"includeCaller"`
}

const defaultConfigPath = "config.yaml"

func Default() Config {
	return Config{
		Service: ServiceConfig{
			HTTPPort:          3000,
			HMACClockSkew:     60 * time.Second,
			IdempotencyWindow: 24 * time.Hour,
			ShutdownTimeout:   15 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ConnectTimeout: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Dir:            "data",
			ConnectTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			BackoffMultiplier: 2,
			StuckThreshold:    30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PollInterval:          10 * time.Second,
			OnRampAttempts:        30,
			TransferAttempts:      60,
			OffRampAttempts:       20,
			SettleDelay:           2 * time.Second,
			RequiredConfirmations: 3,
			CleanupInterval:       time.Hour,
			Retention:             7 * 24 * time.Hour,
		},
		Fees: FeesConfig{
			OnRampRate:        decimal.RequireFromString("0.015"),
			OffRampRate:       decimal.RequireFromString("0.01"),
			FXSpread:          decimal.RequireFromString("0.005"),
			BlockchainBaseFee: decimal.RequireFromString("0.50"),
			MinimumFee:        decimal.RequireFromString("0.25"),
			BaseMinutes:       10,
		},
		Events: EventsConfig{
			Topic:  "payrails.payment.status",
			Buffer: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads PAYRAILS_CONFIG (default config.yaml) and applies environment
// overrides. A missing default file is not an error.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("PAYRAILS_CONFIG")
	if !explicit || path == "" {
		path = defaultConfigPath
	}

	cfg := Default()
	err := mergeFile(&cfg, path)
	if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadFile is Load for an explicit path without environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFile(&cfg, path); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkew)

	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = envOr("CHAIN_PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.TokenAddress = envOr("CHAIN_TOKEN_ADDRESS", cfg.Chain.TokenAddress)

	cfg.Persistence.Dir = envOr("PAYRAILS_DATA_DIR", cfg.Persistence.Dir)
	cfg.Persistence.PostgresDSN = envOr("DATABASE_URL", cfg.Persistence.PostgresDSN)

	if brokers := envOr("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Events.Brokers = splitList(brokers)
	}
	cfg.Events.Topic = envOr("KAFKA_TOPIC", cfg.Events.Topic)

	cfg.Logging.Level = envOr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOr("LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	if c.Chain.PrivateKey != "" && c.Chain.TokenAddress == "" {
		errs = append(errs, errors.New("chain.tokenAddress is required with chain.privateKey"))
	}
	if c.Persistence.PostgresDSN == "" && c.Persistence.Dir == "" {
		errs = append(errs, errors.New("persistence.dir or persistence.postgresDsn is required"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.maxRetries must not be negative"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoffMultiplier must be at least 1"))
	}
	if c.Pipeline.PollInterval <= 0 {
		errs = append(errs, errors.New("pipeline.pollInterval must be positive"))
	}
	if c.Pipeline.OnRampAttempts <= 0 || c.Pipeline.TransferAttempts <= 0 || c.Pipeline.OffRampAttempts <= 0 {
		errs = append(errs, errors.New("pipeline attempts must be positive"))
	}
	if c.Pipeline.RequiredConfirmations == 0 {
		errs = append(errs, errors.New("pipeline.requiredConfirmations must be positive"))
	}
	for name, rate := range map[string]decimal.Decimal{
		"fees.onRampRate":  c.Fees.OnRampRate,
		"fees.offRampRate": c.Fees.OffRampRate,
		"fees.fxSpread":    c.Fees.FXSpread,
		"fees.minimumFee":  c.Fees.MinimumFee,
	} {
		if rate.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, errors.New("events.topic is required with events.brokers"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	secs := envOrInt(key, -1)
	if secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
