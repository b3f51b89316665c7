package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CLAUSEGATE_RISK_PROVIDER.
const EnvPrefix = "CLAUSEGATE"

var envKeys = []string{
	"risk.provider",
	"risk.model",
	"risk.base_url",
	"risk.api_key",
	"risk.api_key_env",
	"risk.timeout",
	"risk.retries",
	"workers.concurrency",
	"store.path",
	"playbooks_dir",
	"documents_dir",
	"artifacts_dir",
	"rollback.enabled",
	"rollback.redis_addr",
	"approval_timeout",
	"server.addr",
}

// Load reads the JSON config file at path (a missing file yields defaults),
// validates it against the schema, applies CLAUSEGATE_* environment overrides
// and returns the decoded configuration.
func Load(path string) (Config, error) {
	v := viper.New()
	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
