// Package config loads yieldvault configuration from YAML with YIELDVAULT_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/optimizer"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Config is the full service configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Vault     VaultConfig     `yaml:"vault"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Backends  []BackendConfig `yaml:"backends"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Audit     AuditConfig     `yaml:"audit"`
	Llama     LlamaConfig     `yaml:"llama"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"YIELDVAULT_LOG_LEVEL"`
	Format string `yaml:"format" env:"YIELDVAULT_LOG_FORMAT"`
}

// Logger returns the logger configuration.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format}
}

// VaultConfig describes the vault and its accounts.
type VaultConfig struct {
	Asset          string        `yaml:"asset" env:"YIELDVAULT_ASSET"`
	Address        string        `yaml:"address" env:"YIELDVAULT_ADDRESS"`
	QueueAddress   string        `yaml:"queue_address" env:"YIELDVAULT_QUEUE_ADDRESS"`
	Treasury       string        `yaml:"treasury" env:"YIELDVAULT_TREASURY"`
	FeeBps         uint64        `yaml:"fee_bps" env:"YIELDVAULT_FEE_BPS"`
	BatchSize      int           `yaml:"batch_size" env:"YIELDVAULT_BATCH_SIZE"`
	MaxActive      int           `yaml:"max_active" env:"YIELDVAULT_MAX_ACTIVE"`
	MaxRetries     int           `yaml:"max_retries" env:"YIELDVAULT_MAX_RETRIES"`
	BackendTimeout time.Duration `yaml:"backend_timeout" env:"YIELDVAULT_BACKEND_TIMEOUT"`
	Owner          string        `yaml:"owner" env:"YIELDVAULT_OWNER"`
	Delegates      []string      `yaml:"delegates" env:"YIELDVAULT_DELEGATES"`
}

// OptimizerConfig is the rebalancing policy.
type OptimizerConfig struct {
	TargetActiveCount   int           `yaml:"target_active_count" env:"YIELDVAULT_OPTIMIZER_TARGET"`
	MaxActiveProtocols  int           `yaml:"max_active_protocols" env:"YIELDVAULT_OPTIMIZER_MAX_ACTIVE"`
	MinAPYDifferenceBps uint64        `yaml:"min_apy_difference_bps" env:"YIELDVAULT_OPTIMIZER_MIN_APY_DIFF_BPS"`
	Cooldown            time.Duration `yaml:"cooldown" env:"YIELDVAULT_OPTIMIZER_COOLDOWN"`
	MaxReplacements     int           `yaml:"max_replacements" env:"YIELDVAULT_OPTIMIZER_MAX_REPLACEMENTS"`
}

// Policy converts to the optimizer policy.
func (c OptimizerConfig) Policy() optimizer.Policy {
	return optimizer.Policy{
		TargetActiveCount:   c.TargetActiveCount,
		MaxActiveProtocols:  c.MaxActiveProtocols,
		MinAPYDifferenceBps: c.MinAPYDifferenceBps,
		Cooldown:            c.Cooldown,
		MaxReplacements:     c.MaxReplacements,
	}
}

// BackendConfig declares one simulated backend. Pool, when set, sources its APY
// from the yields API.
type BackendConfig struct {
	ID     uint64 `yaml:"id"`
	Name   string `yaml:"name"`
	APY    uint64 `yaml:"apy_bps"`
	Active bool   `yaml:"active"`
	Pool   string `yaml:"pool"`
}

// SchedulerConfig holds cron specs for maintenance jobs. Empty specs disable a job.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled" env:"YIELDVAULT_SCHEDULER_ENABLED"`
	Keeper   string `yaml:"keeper" env:"YIELDVAULT_KEEPER"`
	Harvest  string `yaml:"harvest" env:"YIELDVAULT_SCHEDULE_HARVEST"`
	Flush    string `yaml:"flush" env:"YIELDVAULT_SCHEDULE_FLUSH"`
	Optimize string `yaml:"optimize" env:"YIELDVAULT_SCHEDULE_OPTIMIZE"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr      string  `yaml:"addr" env:"YIELDVAULT_HTTP_ADDR"`
	JWTSecret string  `yaml:"jwt_secret" env:"YIELDVAULT_JWT_SECRET"`
	RateLimit float64 `yaml:"rate_limit" env:"YIELDVAULT_RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"YIELDVAULT_RATE_BURST"`
}

// AuditConfig configures the audit log. An empty DSN keeps records in memory.
type AuditConfig struct {
	BufferSize int    `yaml:"buffer_size" env:"YIELDVAULT_AUDIT_BUFFER"`
	DSN        string `yaml:"dsn" env:"YIELDVAULT_DATABASE_URL"`
}

// LlamaConfig configures the yields API source.
type LlamaConfig struct {
	URL     string        `yaml:"url" env:"YIELDVAULT_LLAMA_URL"`
	Timeout time.Duration `yaml:"timeout" env:"YIELDVAULT_LLAMA_TIMEOUT"`
}

// Default returns a runnable local setup: three simulated USDC backends with the
// first two active.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Vault: VaultConfig{
			Asset:          "USDC",
			Address:        "vault",
			QueueAddress:   "vault-queue",
			Treasury:       "treasury",
			FeeBps:         1000,
			BatchSize:      50,
			MaxActive:      5,
			MaxRetries:     3,
			BackendTimeout: 30 * time.Second,
			Owner:          "owner",
			Delegates:      []string{"keeper"},
		},
		Optimizer: OptimizerConfig{
			TargetActiveCount:   2,
			MaxActiveProtocols:  3,
			MinAPYDifferenceBps: 100,
			Cooldown:            time.Hour,
			MaxReplacements:     1,
		},
		Backends: []BackendConfig{
			{ID: 1, Name: "aave", APY: 420, Active: true},
			{ID: 2, Name: "compound", APY: 380, Active: true},
			{ID: 3, Name: "morpho", APY: 610},
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Keeper:   "keeper",
			Harvest:  "@every 1h",
			Flush:    "@every 5m",
			Optimize: "@every 6h",
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			RateLimit: 10,
			Burst:     20,
		},
		Audit: AuditConfig{BufferSize: 1000},
		Llama: LlamaConfig{Timeout: 10 * time.Second},
	}
}

// Load reads path (skipped when empty), layers it over Default, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from YIELDVAULT_* variables. Unset variables leave
// fields untouched.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	v := c.Vault
	if strings.TrimSpace(v.Asset) == "" {
		problems = append(problems, "vault.asset is required")
	}
	if strings.TrimSpace(v.Address) == "" || strings.TrimSpace(v.QueueAddress) == "" {
		problems = append(problems, "vault.address and vault.queue_address are required")
	} else if v.Address == v.QueueAddress {
		problems = append(problems, "vault.address and vault.queue_address must differ")
	}
	if v.FeeBps > domain.BasisPoints {
		problems = append(problems, "vault.fee_bps must be at most 10000")
	}
	if v.FeeBps > 0 && strings.TrimSpace(v.Treasury) == "" {
		problems = append(problems, "vault.treasury is required when fee_bps is set")
	}
	if v.BatchSize < 0 || v.MaxActive < 0 || v.MaxRetries < 0 {
		problems = append(problems, "vault.batch_size, max_active and max_retries must not be negative")
	}
	if strings.TrimSpace(v.Owner) == "" {
		problems = append(problems, "vault.owner is required")
	}

	seen := make(map[uint64]bool)
	for i, b := range c.Backends {
		switch {
		case b.ID == 0:
			problems = append(problems, fmt.Sprintf("backends[%d]: id must be non-zero", i))
		case seen[b.ID]:
			problems = append(problems, fmt.Sprintf("backends[%d]: duplicate id %d", i, b.ID))
		}
		seen[b.ID] = true
		if strings.TrimSpace(b.Name) == "" {
			problems = append(problems, fmt.Sprintf("backends[%d]: name is required", i))
		}
	}

	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Keeper) == "" {
		problems = append(problems, "scheduler.keeper is required when the scheduler is enabled")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.Burst < 0 {
		problems = append(problems, "http.rate_limit and http.burst must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
