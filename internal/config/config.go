// Package config loads runengine settings.
// Priority: env vars (RUNENGINE_*) > settings.yaml > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/pkg/schema"
)

// EnvPrefix namespaces environment overrides, e.g. RUNENGINE_STORE_DB_PATH.
const EnvPrefix = "RUNENGINE"

// Config holds all runengine configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Handlers  HandlersConfig  `mapstructure:"handlers"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type StoreConfig struct {
	// Backend is "libsql" or "memory".
	Backend string `mapstructure:"backend"`
	DBPath  string `mapstructure:"db_path"`
}

type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	DefaultRetryLimit int           `mapstructure:"default_retry_limit"`
	Backoff           string        `mapstructure:"backoff"`
	BackoffDelay      time.Duration `mapstructure:"backoff_delay"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	ResumeMode        string        `mapstructure:"resume_mode"`
	// GraphFile replaces the embedded pipeline when set.
	GraphFile string `mapstructure:"graph_file"`
}

type SweeperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// HandlersConfig points step handlers at remote workers. A step is served by
// Endpoints[step] if present, otherwise by BaseURL + "/" + step.
type HandlersConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Token     string            `mapstructure:"token"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// Dir is the runengine home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runengine"
	}
	return filepath.Join(home, ".runengine")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	def := engine.DefaultConfig()

	v.SetDefault("server.listen_addr", ":4100")
	v.SetDefault("store.backend", "libsql")
	v.SetDefault("store.db_path", filepath.Join(dir, "runengine.db"))
	v.SetDefault("artifacts.dir", filepath.Join(dir, "artifacts"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.pool_size", def.Workers)
	v.SetDefault("engine.step_timeout", def.Defaults.StepTimeout)
	v.SetDefault("engine.cancel_grace", def.CancelGrace)
	v.SetDefault("engine.default_retry_limit", def.Defaults.RetryLimit)
	v.SetDefault("engine.backoff", def.Defaults.Backoff)
	v.SetDefault("engine.backoff_delay", def.Defaults.BackoffDelay)
	v.SetDefault("engine.backoff_max", def.Defaults.BackoffMax)
	v.SetDefault("engine.resume_mode", string(def.ResumeMode))
	v.SetDefault("engine.graph_file", "")
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.cron", "@every 1m")
	v.SetDefault("handlers.base_url", "")
	v.SetDefault("handlers.token", "")
	v.SetDefault("handlers.timeout", 10*time.Minute)
}

// New returns a viper instance with defaults, search paths and env binding.
// file, when non-empty, is read instead of searching for settings.yaml.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings from file (or the search paths) and the environment.
// A missing settings.yaml is not an error.
func Load(file string) (*Config, *viper.Viper, error) {
	v := New(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "libsql", "memory":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "store.backend must be libsql or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "libsql" && c.Store.DBPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "store.db_path is required for libsql")
	}
	if !schema.ResumeMode(c.Engine.ResumeMode).Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "engine.resume_mode %q is invalid", c.Engine.ResumeMode)
	}
	switch c.Engine.Backoff {
	case engine.BackoffNone, engine.BackoffConstant, engine.BackoffLinear, engine.BackoffExponential:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "engine.backoff %q is invalid", c.Engine.Backoff)
	}
	if c.Engine.PoolSize < 0 || c.Engine.DefaultRetryLimit < 0 {
		return schema.NewError(schema.ErrCodeValidation, "engine.pool_size and engine.default_retry_limit must not be negative")
	}
	return nil
}

// EngineConfig converts the engine section into engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Defaults: engine.Defaults{
			StepTimeout:  c.Engine.StepTimeout,
			RetryLimit:   c.Engine.DefaultRetryLimit,
			Backoff:      c.Engine.Backoff,
			BackoffDelay: c.Engine.BackoffDelay,
			BackoffMax:   c.Engine.BackoffMax,
		},
		Workers:     c.Engine.PoolSize,
		CancelGrace: c.Engine.CancelGrace,
		ResumeMode:  schema.ResumeMode(c.Engine.ResumeMode),
	}
}

// Endpoint returns the worker URL serving handler name, or "" if none.
func (h HandlersConfig) Endpoint(name string) string {
	if ep, ok := h.Endpoints[name]; ok && ep != "" {
		return ep
	}
	if h.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(h.BaseURL, "/") + "/" + name
}

// Diff describes what changed between two configurations.
type Diff struct {
	LogLevelChanged bool
	// RestartNeeded lists keys whose change only applies after a restart.
	RestartNeeded []string
}

// Compare reports the differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "server.listen_addr")
	}
	if old.Store != new.Store {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.Artifacts.Dir != new.Artifacts.Dir {
		d.RestartNeeded = append(d.RestartNeeded, "artifacts.dir")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Sweeper != new.Sweeper {
		d.RestartNeeded = append(d.RestartNeeded, "sweeper")
	}
	return d
}
