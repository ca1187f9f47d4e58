package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketrails/internal/domain"
)

// FileConfig models settlement.yaml.
type FileConfig struct {
	Service struct {
		HTTPPort               int     `yaml:"httpPort"`
		Env                    string  `yaml:"env"`
		LogLevel               string  `yaml:"logLevel"`
		ClockSkewSeconds       int     `yaml:"clockSkewSeconds"`
		IdempotencyWindowSecs  int     `yaml:"idempotencyWindowSeconds"`
		IdempotencyStorePath   string  `yaml:"idempotencyStorePath"`
		RateLimitPerSecond     float64 `yaml:"rateLimitPerSecond"`
		RateLimitBurst         int     `yaml:"rateLimitBurst"`
		ShutdownTimeoutSeconds int     `yaml:"shutdownTimeoutSeconds"`
		RequestTimeoutSeconds  int     `yaml:"requestTimeoutSeconds"`
	} `yaml:"service"`
	Settlement struct {
		FeeBps          uint32 `yaml:"feeBps"`
		TimeoutHours    int    `yaml:"timeoutHours"`
		PlatformAddress string `yaml:"platformAddress"`
		RegistryAddress string `yaml:"registryAddress"`
		MaxOpenEscrows  int    `yaml:"maxOpenEscrows"`
	} `yaml:"settlement"`
	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Ledger struct {
		Driver  string            `yaml:"driver"`
		DSN     string            `yaml:"dsn"`
		Genesis map[string]string `yaml:"genesis"`
	} `yaml:"ledger"`
	Events struct {
		Backlog      int      `yaml:"backlog"`
		KafkaBrokers []string `yaml:"kafkaBrokers"`
		KafkaTopic   string   `yaml:"kafkaTopic"`
	} `yaml:"events"`
}

// AppConfig is the resolved configuration the service runs with.
type AppConfig struct {
	Service    ServiceConfig
	Settlement SettlementConfig
	Store      StoreConfig
	Ledger     LedgerConfig
	Events     EventsConfig
}

type ServiceConfig struct {
	HTTPPort             int
	Env                  string
	LogLevel             string
	ClockSkew            time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	RateLimitPerSecond   float64
	RateLimitBurst       int
	ShutdownTimeout      time.Duration
	RequestTimeout       time.Duration
}

type SettlementConfig struct {
	FeeBps          uint32
	Timeout         time.Duration
	PlatformAddress domain.Address
	RegistryAddress domain.Address
	MaxOpenEscrows  int
}

type StoreConfig struct {
	Driver string
	Path   string
	DSN    string
}

type LedgerConfig struct {
	Driver  string
	DSN     string
	Genesis map[domain.Address]*big.Int
}

type EventsConfig struct {
	Backlog      int
	KafkaBrokers []string
	KafkaTopic   string
}

const (
	defaultConfigPath = "settlement.yaml"
	defaultFeeBps     = 100
	defaultTimeout    = 7 * 24 * time.Hour
	defaultBacklog    = 1024
)

var (
	storeDrivers  = map[string]bool{"memory": true, "file": true, "leveldb": true, "postgres": true}
	ledgerDrivers = map[string]bool{"memory": true, "postgres": true}
)

// Load reads the config file named by SETTLEMENT_CONFIG and applies
// environment overrides. A missing file at the default path is not an error.
func Load() (*AppConfig, error) {
	path := envOr("SETTLEMENT_CONFIG", defaultConfigPath)
	fileCfg, err := loadFile(path)
	if err != nil {
		if !(errors.Is(err, os.ErrNotExist) && path == defaultConfigPath) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		fileCfg = &FileConfig{}
	}
	cfg, err := Resolve(fileCfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve applies defaults and environment overrides to a parsed file and
// validates the result.
func Resolve(f *FileConfig) (*AppConfig, error) {
	svc := f.Service
	service := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", orInt(svc.HTTPPort, 3000)),
		Env:                  envOr("APP_ENV", orString(svc.Env, "development")),
		LogLevel:             envOr("LOG_LEVEL", orString(svc.LogLevel, "info")),
		ClockSkew:            seconds(envOrInt("SIGNATURE_CLOCK_SKEW_SECONDS", orInt(svc.ClockSkewSeconds, 60))),
		IdempotencyWindow:    seconds(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", orInt(svc.IdempotencyWindowSecs, 86400))),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", orString(svc.IdempotencyStorePath, filepath.Join(os.TempDir(), "marketrails-idem.json"))),
		RateLimitPerSecond:   orFloat(svc.RateLimitPerSecond, 10),
		RateLimitBurst:       envOrInt("RATE_LIMIT_BURST", orInt(svc.RateLimitBurst, 20)),
		ShutdownTimeout:      seconds(orInt(svc.ShutdownTimeoutSeconds, 10)),
		RequestTimeout:       seconds(orInt(svc.RequestTimeoutSeconds, 15)),
	}

	st := f.Settlement
	settlement := SettlementConfig{
		FeeBps:         uint32(envOrInt("SETTLEMENT_FEE_BPS", int(orUint32(st.FeeBps, defaultFeeBps)))),
		Timeout:        defaultTimeout,
		MaxOpenEscrows: envOrInt("SETTLEMENT_MAX_OPEN_ESCROWS", st.MaxOpenEscrows),
	}
	if hours := envOrInt("SETTLEMENT_TIMEOUT_HOURS", st.TimeoutHours); hours != 0 {
		settlement.Timeout = time.Duration(hours) * time.Hour
	}
	var err error
	if settlement.PlatformAddress, err = parseAddress("settlement.platformAddress", envOr("SETTLEMENT_PLATFORM_ADDRESS", st.PlatformAddress)); err != nil {
		return nil, err
	}
	if settlement.RegistryAddress, err = parseAddress("settlement.registryAddress", envOr("SETTLEMENT_REGISTRY_ADDRESS", st.RegistryAddress)); err != nil {
		return nil, err
	}

	storeCfg := StoreConfig{
		Driver: strings.ToLower(envOr("STORE_DRIVER", orString(f.Store.Driver, "memory"))),
		Path:   envOr("STORE_PATH", orString(f.Store.Path, filepath.Join(os.TempDir(), "marketrails-state"))),
		DSN:    envOr("STORE_DSN", envOr("DATABASE_URL", f.Store.DSN)),
	}

	ledgerCfg := LedgerConfig{
		Driver:  strings.ToLower(envOr("LEDGER_DRIVER", orString(f.Ledger.Driver, "memory"))),
		DSN:     envOr("LEDGER_DSN", envOr("DATABASE_URL", f.Ledger.DSN)),
		Genesis: make(map[domain.Address]*big.Int, len(f.Ledger.Genesis)),
	}
	if ledgerCfg.Driver == "postgres" && ledgerCfg.DSN == "" && storeCfg.Driver == "postgres" {
		ledgerCfg.DSN = storeCfg.DSN
	}
	for raw, amount := range f.Ledger.Genesis {
		addr, err := domain.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger.genesis: %w", err)
		}
		value, err := domain.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("ledger.genesis[%s]: %w", raw, err)
		}
		ledgerCfg.Genesis[addr] = value
	}

	eventsCfg := EventsConfig{
		Backlog:      orInt(f.Events.Backlog, defaultBacklog),
		KafkaBrokers: f.Events.KafkaBrokers,
		KafkaTopic:   envOr("KAFKA_TOPIC", orString(f.Events.KafkaTopic, "marketrails.events")),
	}
	if brokers := envOr("KAFKA_BROKERS", ""); brokers != "" {
		eventsCfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg := &AppConfig{
		Service:    service,
		Settlement: settlement,
		Store:      storeCfg,
		Ledger:     ledgerCfg,
		Events:     eventsCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	if c.Settlement.FeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("settlement.feeBps %d exceeds 10000", c.Settlement.FeeBps))
	}
	if c.Settlement.Timeout <= 0 {
		errs = append(errs, errors.New("settlement.timeoutHours must be positive"))
	}
	if c.Settlement.MaxOpenEscrows < 0 {
		errs = append(errs, errors.New("settlement.maxOpenEscrows must not be negative"))
	}
	if c.Settlement.PlatformAddress == (domain.Address{}) {
		errs = append(errs, errors.New("settlement.platformAddress is required"))
	}
	if c.Settlement.RegistryAddress == (domain.Address{}) {
		errs = append(errs, errors.New("settlement.registryAddress is required"))
	}
	if c.Settlement.RegistryAddress == c.Settlement.PlatformAddress {
		errs = append(errs, errors.New("settlement.registryAddress must differ from platformAddress"))
	}
	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q not supported", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
	}
	if !ledgerDrivers[c.Ledger.Driver] {
		errs = append(errs, fmt.Errorf("ledger.driver %q not supported", c.Ledger.Driver))
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.dsn is required for the postgres driver"))
	}
	// Balances must live at least as long as the escrows that hold them.
	if c.Ledger.Driver == "memory" && c.Store.Driver != "memory" {
		errs = append(errs, fmt.Errorf("ledger.driver memory cannot back store.driver %q: balances would not survive a restart", c.Store.Driver))
	}
	if c.Service.RateLimitPerSecond < 0 || c.Service.RateLimitBurst < 0 {
		errs = append(errs, errors.New("service rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseAddress(field, raw string) (domain.Address, error) {
	if raw == "" {
		return domain.Address{}, nil
	}
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orUint32(v, fallback uint32) uint32 {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
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
