// Package config loads .overstory/config.yaml via spf13/viper into typed
// structs, mirroring the persisted state layout in spec.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
)

// Config is the root of .overstory/config.yaml.
type Config struct {
	Project   ProjectConfig   `mapstructure:"project"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Worktrees WorktreesConfig `mapstructure:"worktrees"`
	Mulch     MulchConfig     `mapstructure:"mulch"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Models    ModelsConfig    `mapstructure:"models"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Logging   logger.Config   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// GatewayConfig governs the optional read-only dashboard HTTP/WS surface
// (spec.md §5: "dashboard pollers if enabled").
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig governs the optional OTLP trace exporter. When Enabled is
// false, no tracer provider is installed, so spans are neither recorded
// nor exported.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ProjectConfig identifies the canonical project root and integration branch.
type ProjectConfig struct {
	RootPath         string `mapstructure:"root_path"`
	CanonicalBranch  string `mapstructure:"canonical_branch"`
}

// AgentsConfig bounds the spawn hierarchy.
type AgentsConfig struct {
	MaxDepth          int `mapstructure:"max_depth"`
	DefaultMaxSubAgents int `mapstructure:"default_max_sub_agents"`
	StaggerWindowMs   int64 `mapstructure:"stagger_window_ms"`
}

// WorktreesConfig configures the worktree manager.
type WorktreesConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// MulchConfig lists expertise domains available to overlay generation.
type MulchConfig struct {
	Domains map[string]string `mapstructure:"domains"`
}

// MergeConfig configures the merge queue/merger.
type MergeConfig struct {
	AIAssistedEnabled bool `mapstructure:"ai_assisted_enabled"`
	AIAssistedRetries int  `mapstructure:"ai_assisted_retries"`
}

// ProviderConfig names the environment variable a gateway provider exposes
// its API key under; the value is never logged or echoed.
type ProviderConfig struct {
	APIKeyEnvVar string `mapstructure:"api_key_env_var"`
	IsGateway    bool   `mapstructure:"is_gateway"`
}

// WatchdogConfig configures the health-evaluation thresholds, read once at
// startup (spec.md §4.8: "no config hot-reload").
type WatchdogConfig struct {
	PollIntervalMs     int64 `mapstructure:"poll_interval_ms"`
	StaleThresholdMs   int64 `mapstructure:"stale_threshold_ms"`
	ZombieThresholdMs  int64 `mapstructure:"zombie_threshold_ms"`
	NudgeIntervalMs    int64 `mapstructure:"nudge_interval_ms"`
}

// PollInterval returns the configured tick interval as a time.Duration.
func (w WatchdogConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// StaleThreshold returns the configured stale threshold as a time.Duration.
func (w WatchdogConfig) StaleThreshold() time.Duration {
	return time.Duration(w.StaleThresholdMs) * time.Millisecond
}

// ZombieThreshold returns the configured zombie threshold as a time.Duration.
func (w WatchdogConfig) ZombieThreshold() time.Duration {
	return time.Duration(w.ZombieThresholdMs) * time.Millisecond
}

// NudgeInterval returns the configured minimum spacing between repeated
// escalation nudges for the same session.
func (w WatchdogConfig) NudgeInterval() time.Duration {
	return time.Duration(w.NudgeIntervalMs) * time.Millisecond
}

// ModelsConfig maps capability -> model alias, and alias -> concrete model id.
type ModelsConfig struct {
	CapabilityAlias map[string]string `mapstructure:"capability_alias"`
	Aliases         map[string]string `mapstructure:"aliases"`
}

// RuntimeConfig names the default adapter and any per-agent overrides.
type RuntimeConfig struct {
	Default   string            `mapstructure:"default"`
	Overrides map[string]string `mapstructure:"overrides"`
}

// Load reads .overstory/config.yaml from the given project root.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectRoot + "/.overstory")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadQualityGates reads the project's hand-authored quality gate list from
// .overstory/quality-gates.yaml. Unlike the rest of Config, this file isn't
// routed through viper: it's an ordered list of {name, command, description}
// records a project maintainer edits directly, and viper's map-based merge
// semantics don't preserve list order across overrides. A missing file is
// not an error — callers fall back to domain.DefaultQualityGates.
func LoadQualityGates(projectRoot string) ([]domain.QualityGate, error) {
	path := projectRoot + "/.overstory/quality-gates.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.DefaultQualityGates, nil
		}
		return nil, fmt.Errorf("read quality gates: %w", err)
	}

	var parsed struct {
		Gates []domain.QualityGate `yaml:"gates"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse quality gates: %w", err)
	}
	if len(parsed.Gates) == 0 {
		return domain.DefaultQualityGates, nil
	}
	return parsed.Gates, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agents.max_depth", 4)
	v.SetDefault("agents.default_max_sub_agents", 4)
	v.SetDefault("agents.stagger_window_ms", 5000)
	v.SetDefault("worktrees.base_path", ".overstory/worktrees")
	v.SetDefault("merge.ai_assisted_enabled", false)
	v.SetDefault("merge.ai_assisted_retries", 1)
	v.SetDefault("watchdog.poll_interval_ms", 10000)
	v.SetDefault("watchdog.stale_threshold_ms", 30000)
	v.SetDefault("watchdog.zombie_threshold_ms", 120000)
	v.SetDefault("watchdog.nudge_interval_ms", 60000)
	v.SetDefault("runtime.default", "claude")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.port", 8099)
	v.SetDefault("tracing.enabled", false)
}
