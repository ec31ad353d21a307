package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PREDICTION_"

// Config holds configuration for every role, loaded from YAML and env.
type Config struct {
	KeyDir string

	SubnetName string

	RegistryURL     string
	RegistryTimeout time.Duration

	Validator ValidatorConfig
	Miner     MinerConfig
	Registry  RegistryConfig

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

// ValidatorConfig holds validator loop and scoring settings.
type ValidatorConfig struct {
	// IP and Port are advertised to the registry; /health and /metrics are served on Port.
	IP                string
	Port              string
	DBPath            string
	CallTimeout       time.Duration
	IterationInterval time.Duration
	WeightingPeriod   time.Duration
	PriceInterval     time.Duration
	PriceSettleDelay  time.Duration
	RetentionPeriod   time.Duration
	MaxAllowedWeights int
	// MaxVoteEntries caps the uids in one vote; must not exceed registry.max_allowed_weights.
	MaxVoteEntries int
	PromptHorizon  time.Duration
	Category       string
	Pair           string
	CategoriesFile string

	PriceAPIURL     string
	PriceAPITimeout time.Duration
}

// MinerConfig holds miner server and predictor settings.
type MinerConfig struct {
	IP   string
	Port string

	RequestTimeout time.Duration

	RateLimitBurst     int
	RateLimitRefillSec float64 // tokens per second
	RateLimitIdleTTL   time.Duration

	SubnetsWhitelist []int
	SignatureMaxSkew time.Duration

	CandleAPIURL     string
	CandleAPITimeout time.Duration
	CandleLimit      int

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	TrackedPairs []string
	WarmInterval time.Duration

	HealthWindow      time.Duration
	OverloadDeniedPct int
	DegradedErrorPct  int
}

// RegistryConfig holds the registry service settings.
type RegistryConfig struct {
	Port              string
	Subnets           map[int]string
	MaxAllowedWeights int
}

type fileConfig struct {
	KeyDir string `koanf:"key_dir"`

	Subnet struct {
		Name string `koanf:"name"`
	} `koanf:"subnet"`

	RegistryClient struct {
		URL     string `koanf:"url"`
		Timeout string `koanf:"timeout"`
	} `koanf:"registry_client"`

	Validator struct {
		IP                string `koanf:"ip"`
		Port              string `koanf:"port"`
		DBPath            string `koanf:"db_path"`
		CallTimeout       string `koanf:"call_timeout"`
		IterationInterval string `koanf:"iteration_interval"`
		WeightingPeriod   string `koanf:"weighting_period"`
		PriceInterval     string `koanf:"price_interval"`
		PriceSettleDelay  string `koanf:"price_settle_delay"`
		RetentionPeriod   string `koanf:"retention_period"`
		MaxAllowedWeights int    `koanf:"max_allowed_weights"`
		MaxVoteEntries    int    `koanf:"max_vote_entries"`
		PromptHorizon     string `koanf:"prompt_horizon"`
		Category          string `koanf:"category"`
		Pair              string `koanf:"pair"`
		CategoriesFile    string `koanf:"categories_file"`
		PriceAPI          struct {
			URL     string `koanf:"url"`
			Timeout string `koanf:"timeout"`
		} `koanf:"price_api"`
	} `koanf:"validator"`

	Miner struct {
		IP             string `koanf:"ip"`
		Port           string `koanf:"port"`
		RequestTimeout string `koanf:"request_timeout"`
		RateLimit      struct {
			Burst        int     `koanf:"burst"`
			RefillPerSec float64 `koanf:"refill_per_sec"`
			IdleTTL      string  `koanf:"idle_ttl"`
		} `koanf:"rate_limit"`
		SubnetsWhitelist []int  `koanf:"subnets_whitelist"`
		SignatureMaxSkew string `koanf:"signature_max_skew"`
		CandleAPI        struct {
			URL     string `koanf:"url"`
			Timeout string `koanf:"timeout"`
			Limit   int    `koanf:"limit"`
		} `koanf:"candle_api"`
		Cache struct {
			Backend   string `koanf:"backend"`
			TTL       string `koanf:"ttl"`
			Memcached struct {
				Addrs        string `koanf:"addrs"`
				Timeout      string `koanf:"timeout"`
				MaxIdleConns int    `koanf:"max_idle_conns"`
			} `koanf:"memcached"`
		} `koanf:"cache"`
		TrackedPairs []string `koanf:"tracked_pairs"`
		WarmInterval string   `koanf:"warm_interval"`
		Health       struct {
			Window            string `koanf:"window"`
			OverloadDeniedPct int    `koanf:"overload_denied_pct"`
			DegradedErrorPct  int    `koanf:"degraded_error_pct"`
		} `koanf:"health"`
	} `koanf:"miner"`

	Registry struct {
		Port              string         `koanf:"port"`
		Subnets           map[int]string `koanf:"subnets"`
		MaxAllowedWeights int            `koanf:"max_allowed_weights"`
	} `koanf:"registry"`

	Reliability struct {
		RetryMaxAttempts int    `koanf:"retry_max_attempts"`
		RetryBaseDelay   string `koanf:"retry_base_delay"`
		RetryMaxDelay    string `koanf:"retry_max_delay"`
		CircuitBreaker   struct {
			Enabled          bool   `koanf:"enabled"`
			FailureThreshold int    `koanf:"failure_threshold"`
			SuccessThreshold int    `koanf:"success_threshold"`
			Timeout          string `koanf:"timeout"`
		} `koanf:"circuit_breaker"`
	} `koanf:"reliability"`

	Shutdown struct {
		Timeout               string `koanf:"timeout"`
		InFlightTimeout       string `koanf:"in_flight_timeout"`
		InFlightCheckInterval string `koanf:"in_flight_check_interval"`
	} `koanf:"shutdown"`
}

// Load reads configuration from PREDICTION_CONFIG, or config/{ENV_NAME}.yaml (default dev)
// under the working directory, then applies PREDICTION_* env overrides.
// Nested keys use a double underscore: PREDICTION_VALIDATOR__CALL_TIMEOUT=30s.
func Load() (*Config, error) {
	configPath := os.Getenv(envPrefix + "CONFIG")
	if configPath == "" {
		env := os.Getenv("ENV_NAME")
		if env == "" {
			env = "dev"
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: get working directory: %w", err)
		}
		configPath = filepath.Join(cwd, "config", env+".yaml")
	}
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var fc fileConfig
	if err := k.UnmarshalWithConf("", &fc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := fromFile(fc)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps PREDICTION_MINER__CACHE__BACKEND to miner.cache.backend.
func envKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{}

	cfg.KeyDir = strings.TrimSpace(fc.KeyDir)
	if cfg.KeyDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.KeyDir = filepath.Join(home, ".prediction", "key")
		} else {
			cfg.KeyDir = filepath.Join(".prediction", "key")
		}
	}
	cfg.SubnetName = stringOr(fc.Subnet.Name, "prediction")
	cfg.RegistryURL = stringOr(fc.RegistryClient.URL, "http://127.0.0.1:9944")
	cfg.RegistryTimeout = parseDuration(fc.RegistryClient.Timeout, 10*time.Second)

	v := &cfg.Validator
	v.IP = stringOr(fc.Validator.IP, "127.0.0.1")
	v.Port = stringOr(fc.Validator.Port, "9100")
	v.DBPath = stringOr(fc.Validator.DBPath, "predictions.db")
	v.CallTimeout = parseDuration(fc.Validator.CallTimeout, 65*time.Second)
	v.IterationInterval = parseDuration(fc.Validator.IterationInterval, 60*time.Second)
	v.WeightingPeriod = parseDuration(fc.Validator.WeightingPeriod, time.Hour)
	v.PriceInterval = parseDuration(fc.Validator.PriceInterval, 60*time.Second)
	v.PriceSettleDelay = parseDurationOrZero(fc.Validator.PriceSettleDelay, time.Minute)
	v.RetentionPeriod = parseDurationOrZero(fc.Validator.RetentionPeriod, 72*time.Hour)
	v.MaxAllowedWeights = fc.Validator.MaxAllowedWeights
	if v.MaxAllowedWeights <= 0 {
		v.MaxAllowedWeights = 800
	}
	v.MaxVoteEntries = fc.Validator.MaxVoteEntries
	if v.MaxVoteEntries <= 0 {
		v.MaxVoteEntries = 420
	}
	v.PromptHorizon = parseDuration(fc.Validator.PromptHorizon, 8*time.Hour)
	v.Category = stringOr(fc.Validator.Category, "crypto")
	v.Pair = stringOr(fc.Validator.Pair, "BTCUSDT")
	v.CategoriesFile = strings.TrimSpace(fc.Validator.CategoriesFile)
	v.PriceAPIURL = stringOr(fc.Validator.PriceAPI.URL, "https://api.kraken.com/0/public/OHLC")
	v.PriceAPITimeout = parseDurationOrZero(fc.Validator.PriceAPI.Timeout, 5*time.Second)

	m := &cfg.Miner
	m.IP = stringOr(fc.Miner.IP, "127.0.0.1")
	m.Port = stringOr(fc.Miner.Port, "8000")
	m.RequestTimeout = parseDuration(fc.Miner.RequestTimeout, 30*time.Second)
	m.RateLimitBurst = fc.Miner.RateLimit.Burst
	if m.RateLimitBurst <= 0 {
		m.RateLimitBurst = 2
	}
	m.RateLimitRefillSec = fc.Miner.RateLimit.RefillPerSec
	if m.RateLimitRefillSec <= 0 {
		m.RateLimitRefillSec = 1.0 / 400
	}
	m.RateLimitIdleTTL = parseDuration(fc.Miner.RateLimit.IdleTTL, time.Hour)
	m.SubnetsWhitelist = fc.Miner.SubnetsWhitelist
	m.SignatureMaxSkew = parseDuration(fc.Miner.SignatureMaxSkew, 60*time.Second)
	m.CandleAPIURL = stringOr(fc.Miner.CandleAPI.URL, "https://api.binance.com/api/v3/klines")
	m.CandleAPITimeout = parseDurationOrZero(fc.Miner.CandleAPI.Timeout, 5*time.Second)
	m.CandleLimit = fc.Miner.CandleAPI.Limit
	if m.CandleLimit <= 0 {
		m.CandleLimit = 100
	}
	m.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Miner.Cache.Backend))
	if m.CacheBackend == "" {
		m.CacheBackend = "in_memory"
	}
	m.CacheTTL = parseDuration(fc.Miner.Cache.TTL, 30*time.Second)
	m.MemcachedAddrs = stringOr(fc.Miner.Cache.Memcached.Addrs, "localhost:11211")
	m.MemcachedTimeout = parseDuration(fc.Miner.Cache.Memcached.Timeout, 500*time.Millisecond)
	m.MemcachedMaxIdleConns = fc.Miner.Cache.Memcached.MaxIdleConns
	if m.MemcachedMaxIdleConns <= 0 {
		m.MemcachedMaxIdleConns = 2
	}
	m.TrackedPairs = fc.Miner.TrackedPairs
	m.WarmInterval = parseDurationOrZero(fc.Miner.WarmInterval, 0)
	m.HealthWindow = parseDuration(fc.Miner.Health.Window, time.Minute)
	m.OverloadDeniedPct = fc.Miner.Health.OverloadDeniedPct
	if m.OverloadDeniedPct <= 0 {
		m.OverloadDeniedPct = 50
	}
	m.DegradedErrorPct = fc.Miner.Health.DegradedErrorPct
	if m.DegradedErrorPct <= 0 {
		m.DegradedErrorPct = 50
	}

	r := &cfg.Registry
	r.Port = stringOr(fc.Registry.Port, "9944")
	r.Subnets = fc.Registry.Subnets
	if len(r.Subnets) == 0 {
		r.Subnets = map[int]string{1: cfg.SubnetName}
	}
	r.MaxAllowedWeights = fc.Registry.MaxAllowedWeights
	if r.MaxAllowedWeights <= 0 {
		r.MaxAllowedWeights = 420
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)
	return cfg
}

func stringOr(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is; "0s" disables optional features.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout on the miner is raised above the
// candle API timeout, mirroring how the validator's call timeout must exceed the miner's work.
func validate(cfg *Config) error {
	if cfg.Validator.PriceAPITimeout <= 0 {
		return fmt.Errorf("validator.price_api.timeout must be positive")
	}
	if cfg.Miner.CandleAPITimeout <= 0 {
		return fmt.Errorf("miner.candle_api.timeout must be positive")
	}
	if cfg.Miner.RequestTimeout <= cfg.Miner.CandleAPITimeout {
		cfg.Miner.RequestTimeout = cfg.Miner.CandleAPITimeout + time.Second
	}
	if cfg.Validator.PriceSettleDelay < 0 {
		return fmt.Errorf("validator.price_settle_delay must not be negative")
	}
	switch cfg.Miner.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("miner.cache.backend must be in_memory or memcached, got %q", cfg.Miner.CacheBackend)
	}
	for netuid, name := range cfg.Registry.Subnets {
		if netuid < 0 || strings.TrimSpace(name) == "" {
			return fmt.Errorf("registry.subnets: invalid entry %d=%q", netuid, name)
		}
	}
	return nil
}
