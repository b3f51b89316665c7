// Package config provides configuration loading and management for clausegate.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Risk            RiskConfig      `json:"risk"             mapstructure:"risk"`
	Workers         WorkersConfig   `json:"workers"          mapstructure:"workers"`
	Store           StoreConfig     `json:"store"            mapstructure:"store"`
	PlaybooksDir    string          `json:"playbooks_dir"    mapstructure:"playbooks_dir"`
	DocumentsDir    string          `json:"documents_dir"    mapstructure:"documents_dir"`
	ArtifactsDir    string          `json:"artifacts_dir"    mapstructure:"artifacts_dir"`
	Rollback        RollbackConfig  `json:"rollback"         mapstructure:"rollback"`
	ApprovalTimeout time.Duration   `json:"approval_timeout" mapstructure:"approval_timeout"`
	Retention       RetentionPolicy `json:"retention"        mapstructure:"retention"`
	Server          ServerConfig    `json:"server"           mapstructure:"server"`
}

// RiskConfig describes how the external risk assessment collaborator is reached.
type RiskConfig struct {
	Provider      string        `json:"provider"                mapstructure:"provider"`
	Model         string        `json:"model,omitempty"         mapstructure:"model"`
	BaseURL       string        `json:"base_url,omitempty"      mapstructure:"base_url"`
	APIKey        string        `json:"api_key,omitempty"       mapstructure:"api_key"`
	APIKeyEnv     string        `json:"api_key_env,omitempty"   mapstructure:"api_key_env"`
	Cmd           []string      `json:"cmd,omitempty"           mapstructure:"cmd"`
	Timeout       time.Duration `json:"timeout"                 mapstructure:"timeout"`
	Retries       int           `json:"retries"                 mapstructure:"retries"`
	RetryDelay    time.Duration `json:"retry_delay"             mapstructure:"retry_delay"`
	RatePerSecond float64       `json:"rate_per_second,omitempty" mapstructure:"rate_per_second"`
}

// WorkersConfig sizes the manager/worker pool.
type WorkersConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// StoreConfig points at the SQLite database.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RollbackConfig tunes the auto-rollback monitor.
type RollbackConfig struct {
	Enabled   bool          `json:"enabled"              mapstructure:"enabled"`
	Interval  time.Duration `json:"interval"             mapstructure:"interval"`
	Window    time.Duration `json:"window"               mapstructure:"window"`
	Margin    float64       `json:"margin"               mapstructure:"margin"`
	RedisAddr string        `json:"redis_addr,omitempty" mapstructure:"redis_addr"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

const (
	ProviderStatic = "static"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderExec   = "exec"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Risk: RiskConfig{
			Provider:   ProviderStatic,
			Timeout:    time.Second,
			Retries:    2,
			RetryDelay: 100 * time.Millisecond,
		},
		Workers:      WorkersConfig{Concurrency: 4},
		Store:        StoreConfig{Path: ".clausegate/clausegate.db"},
		PlaybooksDir: ".clausegate/playbooks",
		DocumentsDir: ".",
		ArtifactsDir: ".clausegate/artifacts",
		Rollback: RollbackConfig{
			Enabled:  true,
			Interval: time.Minute,
			Window:   10 * time.Minute,
			Margin:   0.05,
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Validate checks semantic constraints the schema cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.Risk.Provider) {
	case ProviderStatic, ProviderOpenAI, ProviderGemini:
	case ProviderExec:
		if len(c.Risk.Cmd) == 0 {
			return fmt.Errorf("risk.cmd is required for provider %q", ProviderExec)
		}
	default:
		return fmt.Errorf("unknown risk provider %q", c.Risk.Provider)
	}
	if c.Risk.Timeout <= 0 {
		return fmt.Errorf("risk.timeout must be > 0")
	}
	if c.Risk.Retries < 0 {
		return fmt.Errorf("risk.retries must be >= 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Rollback.Enabled {
		if c.Rollback.Interval <= 0 || c.Rollback.Window <= 0 {
			return fmt.Errorf("rollback.interval and rollback.window must be > 0")
		}
		if c.Rollback.Margin < 0 || c.Rollback.Margin >= 1 {
			return fmt.Errorf("rollback.margin must be in [0, 1)")
		}
	}
	if c.ApprovalTimeout < 0 {
		return fmt.Errorf("approval_timeout must be >= 0")
	}
	return nil
}
