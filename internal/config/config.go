package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Log      LogConfig
	Engine   EngineConfig
	Apply    ApplyConfig
	Miner    MinerConfig
	Lint     LintConfig
	RuleSets RuleSetsConfig `mapstructure:"rulesets"`
	Jobs     JobsConfig
	LLM      LLMConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// LogConfig holds slog settings.
type LogConfig struct {
	Level string
	JSON  bool
}

// EngineConfig holds matcher thresholds and cache expiry.
type EngineConfig struct {
	CompactMinLen int           `mapstructure:"compact_min_len"`
	RegexMaxLen   int           `mapstructure:"regex_max_len"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// ApplyConfig caps the batch report tables.
type ApplyConfig struct {
	MaxTransitions int `mapstructure:"max_transitions"`
	MaxSamples     int `mapstructure:"max_samples"`
}

// MinerConfig mirrors service.MinerOptions.
type MinerConfig struct {
	MinSupport               int     `mapstructure:"min_support"`
	MinPurity                float64 `mapstructure:"min_purity"`
	MaxConflictRate          float64 `mapstructure:"max_conflict_rate"`
	MaxMatchRatioMerchant    float64 `mapstructure:"max_match_ratio_merchant"`
	MaxMatchRatioDescription float64 `mapstructure:"max_match_ratio_description"`
	MaxSuggestions           int     `mapstructure:"max_suggestions"`
	MaxPerCategory           int     `mapstructure:"max_per_category"`
	IncludeReviewed          bool    `mapstructure:"include_reviewed"`
	MerchantMinLen           int     `mapstructure:"merchant_min_len"`
	PhraseMinLen             int     `mapstructure:"phrase_min_len"`
	PhraseMinTokens          int     `mapstructure:"phrase_min_tokens"`
	PhraseMaxTokens          int     `mapstructure:"phrase_max_tokens"`
	SignDominance            float64 `mapstructure:"sign_dominance"`
	AccountDominance         float64 `mapstructure:"account_dominance"`
	AddAccountScope          bool    `mapstructure:"add_account_scope"`
	AddAmountBand            bool    `mapstructure:"add_amount_band"`
	AmountMaxCV              float64 `mapstructure:"amount_max_cv"`
	AmountAbsTolerance       float64 `mapstructure:"amount_abs_tolerance"`
	AmountRelTolerance       float64 `mapstructure:"amount_rel_tolerance"`
	ReserveBootstrap         bool    `mapstructure:"reserve_bootstrap"`
	Bootstrap                BootstrapConfig
}

// BootstrapConfig is the reviewed-label admission policy for small groups.
type BootstrapConfig struct {
	Enabled         bool
	MinSupport      int     `mapstructure:"min_support"`
	MinKeyLen       int     `mapstructure:"min_key_len"`
	MinPurity       float64 `mapstructure:"min_purity"`
	MaxConflictRate float64 `mapstructure:"max_conflict_rate"`
	ConfidenceCap   float64 `mapstructure:"confidence_cap"`
	Quota           int
}

// LintConfig holds lint settings.
type LintConfig struct {
	Persist         bool
	BroadMatchRatio float64 `mapstructure:"broad_match_ratio"`
}

// RuleSetsConfig holds rule set manager settings.
type RuleSetsConfig struct {
	ProtectedTokens []string `mapstructure:"protected_tokens"`
}

// JobsConfig holds the maintenance schedule. An empty schedule disables it.
type JobsConfig struct {
	Schedule string
	Timezone string
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	Provider string
	Timeout  time.Duration
}

// Load reads configuration from file and env. Env var overrides use prefix RULEKIT_.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("RULEKIT_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "rulekit"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("RULEKIT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "rulekit", "rulekit.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("engine.compact_min_len", 7)
	v.SetDefault("engine.regex_max_len", 256)
	v.SetDefault("engine.cache_ttl", "30s")

	v.SetDefault("apply.max_transitions", 50)
	v.SetDefault("apply.max_samples", 20)

	v.SetDefault("miner.min_support", 4)
	v.SetDefault("miner.min_purity", 0.9)
	v.SetDefault("miner.max_conflict_rate", 0.1)
	v.SetDefault("miner.max_match_ratio_merchant", 0.35)
	v.SetDefault("miner.max_match_ratio_description", 0.15)
	v.SetDefault("miner.max_suggestions", 50)
	v.SetDefault("miner.max_per_category", 10)
	v.SetDefault("miner.include_reviewed", true)
	v.SetDefault("miner.merchant_min_len", 10)
	v.SetDefault("miner.phrase_min_len", 12)
	v.SetDefault("miner.phrase_min_tokens", 2)
	v.SetDefault("miner.phrase_max_tokens", 5)
	v.SetDefault("miner.sign_dominance", 0.95)
	v.SetDefault("miner.account_dominance", 0.9)
	v.SetDefault("miner.add_account_scope", true)
	v.SetDefault("miner.add_amount_band", true)
	v.SetDefault("miner.amount_max_cv", 0.15)
	v.SetDefault("miner.amount_abs_tolerance", 5.0)
	v.SetDefault("miner.amount_rel_tolerance", 0.15)
	v.SetDefault("miner.reserve_bootstrap", false)
	v.SetDefault("miner.bootstrap.enabled", true)
	v.SetDefault("miner.bootstrap.min_support", 2)
	v.SetDefault("miner.bootstrap.min_key_len", 16)
	v.SetDefault("miner.bootstrap.min_purity", 0.98)
	v.SetDefault("miner.bootstrap.max_conflict_rate", 0.02)
	v.SetDefault("miner.bootstrap.confidence_cap", 0.5)
	v.SetDefault("miner.bootstrap.quota", 10)

	v.SetDefault("lint.persist", false)
	v.SetDefault("lint.broad_match_ratio", 0.2)

	v.SetDefault("rulesets.protected_tokens", []string{
		"PAYROLL", "SALARY", "RENT", "MORTGAGE", "IRS", "TAX", "TRANSFER", "INTEREST", "DIVIDEND", "REFUND",
	})

	v.SetDefault("jobs.schedule", "")
	v.SetDefault("jobs.timezone", "UTC")

	v.SetDefault("llm.provider", "keyword")
	v.SetDefault("llm.timeout", "8s")
}

// Save writes the provided config to disk, creating the config directory if needed.
func Save(cfg Config) error {
	path := os.Getenv("RULEKIT_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "rulekit", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.json", cfg.Log.JSON)
	v.Set("engine.compact_min_len", cfg.Engine.CompactMinLen)
	v.Set("engine.regex_max_len", cfg.Engine.RegexMaxLen)
	v.Set("engine.cache_ttl", cfg.Engine.CacheTTL.String())
	v.Set("lint.persist", cfg.Lint.Persist)
	v.Set("jobs.schedule", cfg.Jobs.Schedule)
	v.Set("jobs.timezone", cfg.Jobs.Timezone)
	v.Set("llm.provider", cfg.LLM.Provider)
	v.Set("llm.timeout", cfg.LLM.Timeout.String())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
