// Package config loads the bridge configuration file: runtime settings, the
// channel and completion provider blocks, and the agent bindings.
package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/spf13/viper"

	"github.com/harunnryd/kefubridge/pkg/configutil"
)

// ProviderConfig is a provider name plus its free-form settings block,
// decoded into the provider's typed config at wiring time.
type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	ReadTimeoutMS  int    `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS int    `mapstructure:"write_timeout_ms"`
}

type MetricsConfig struct {
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// AgentConfig binds one channel service account to one remote assistant.
type AgentConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	OpenKfID  string `mapstructure:"open_kfid"`
	APIKey    string `mapstructure:"api_key"`
	Welcome   string `mapstructure:"welcome"`
	AvatarURL string `mapstructure:"avatar_url"`
	MaxRounds int    `mapstructure:"max_rounds"`
	Enabled   *bool  `mapstructure:"enabled"`
}

// IsEnabled defaults to true when the field is omitted.
func (a AgentConfig) IsEnabled() bool {
	return configutil.BoolValue(a.Enabled, true)
}

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	DataDir     string         `mapstructure:"data_dir"`
	Server      ServerConfig   `mapstructure:"server"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Channel     ProviderConfig `mapstructure:"channel"`
	Completion  ProviderConfig `mapstructure:"completion"`
	Agents      []AgentConfig  `mapstructure:"agents"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("data_dir", "data")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout_ms", 30000)
	v.SetDefault("server.write_timeout_ms", 0)
	v.SetDefault("metrics.path", "")
	v.SetDefault("metrics.buffer_size", 256)
	v.SetDefault("channel.provider", "wxkf")
	v.SetDefault("completion.provider", "glm")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Channel.Provider, "channel.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Completion.Provider, "completion.provider"); err != nil {
		return err
	}
	seenKfIDs := make(map[string]bool)
	for i, agent := range c.Agents {
		if err := configutil.RequireString(agent.ID, fmt.Sprintf("agents[%d].id", i)); err != nil {
			return err
		}
		if err := configutil.RequireString(agent.OpenKfID, fmt.Sprintf("agents[%d].open_kfid", i)); err != nil {
			return err
		}
		if err := configutil.RequireString(agent.APIKey, fmt.Sprintf("agents[%d].api_key", i)); err != nil {
			return err
		}
		if seenKfIDs[agent.OpenKfID] {
			return fmt.Errorf("agents[%d].open_kfid %q bound twice", i, agent.OpenKfID)
		}
		seenKfIDs[agent.OpenKfID] = true
	}
	return nil
}

// AgentByKfID resolves the agent bound to a channel service account.
func (c *Config) AgentByKfID(openKfID string) (AgentConfig, bool) {
	for _, agent := range c.Agents {
		if agent.OpenKfID == openKfID {
			return agent, true
		}
	}
	return AgentConfig{}, false
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Channel.Settings = expandSettings(cfg.Channel.Settings)
	cfg.Completion.Settings = expandSettings(cfg.Completion.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
