package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/pkg/schema"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Decode(New(""))
	require.NoError(t, err)

	assert.Equal(t, ":4100", cfg.Server.ListenAddr)
	assert.Equal(t, "libsql", cfg.Store.Backend)
	assert.Equal(t, filepath.Join(Dir(), "runengine.db"), cfg.Store.DBPath)
	assert.Equal(t, 3, cfg.Engine.DefaultRetryLimit)
	assert.Equal(t, 5*time.Minute, cfg.Engine.StepTimeout)
	assert.Equal(t, "same_run", cfg.Engine.ResumeMode)
	assert.True(t, cfg.Sweeper.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeSettings(t, `
store:
  backend: memory
log:
  level: debug
engine:
  pool_size: 2
  backoff: linear
  backoff_delay: 250ms
  resume_mode: new_run
handlers:
  base_url: http://workers:9000/
  endpoints:
    step8/item: http://images:9100/render
`)
	t.Setenv("RUNENGINE_ENGINE_POOL_SIZE", "6")
	t.Setenv("RUNENGINE_SERVER_LISTEN_ADDR", ":9999")

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 6, cfg.Engine.PoolSize, "env wins over file")
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.BackoffDelay)

	ec := cfg.EngineConfig()
	assert.Equal(t, 6, ec.Workers)
	assert.Equal(t, schema.ResumeNewRun, ec.ResumeMode)
	assert.Equal(t, "linear", ec.Defaults.Backoff)

	assert.Equal(t, "http://workers:9000/step2", cfg.Handlers.Endpoint("step2"))
	assert.Equal(t, "http://images:9100/render", cfg.Handlers.Endpoint("step8/item"))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"libsql without path", func(c *Config) { c.Store.DBPath = "" }},
		{"bad resume mode", func(c *Config) { c.Engine.ResumeMode = "fork" }},
		{"bad backoff", func(c *Config) { c.Engine.Backoff = "random" }},
		{"negative retries", func(c *Config) { c.Engine.DefaultRetryLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode(New(""))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestHandlersEndpoint_NoRemote(t *testing.T) {
	assert.Empty(t, HandlersConfig{}.Endpoint("step1"))
}

func TestCompare(t *testing.T) {
	old, err := Decode(New(""))
	require.NoError(t, err)
	next := *old
	next.Log.Level = "debug"
	next.Engine.PoolSize = 16

	d := Compare(old, &next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"engine"}, d.RestartNeeded)
}
