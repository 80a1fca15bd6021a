package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/runbok/internal/config/loader"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(m map[string]string) LoadOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbok.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Pool.SweepInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Pool.ActiveWindow.Std())
	assert.True(t, cfg.Sandbox.AllowFetch)
	assert.False(t, cfg.Engine.PurgeOnCompileError)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("", WithLookupEnv(noEnv))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[server]
addr = ":8080"

[pool]
idle_timeout = "2m"

[engine]
purge_on_compile_error = true

[sandbox]
max_call_stack = 256
`)

	cfg, err := Load(path, WithLookupEnv(noEnv))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Pool.IdleTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Pool.SweepInterval.Std(), "unset keys keep defaults")
	assert.True(t, cfg.Engine.PurgeOnCompileError)
	assert.Equal(t, 256, cfg.Sandbox.MaxCallStack)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
[pool]
idle_timeout = "2m"

[logging]
level = "warn"
`)

	cfg, err := Load(path, envOf(map[string]string{
		"RUNBOK_POOL_IDLE_TIMEOUT":   "90s",
		"RUNBOK_SANDBOX_ALLOW_FETCH": "false",
		"RUNBOK_LOG_FORMAT":          "json",
	}))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout.Std())
	assert.False(t, cfg.Sandbox.AllowFetch)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), WithLookupEnv(noEnv))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadThroughReadFile(t *testing.T) {
	read := func(name string) ([]byte, error) {
		if name != "mem.toml" {
			return nil, fs.ErrNotExist
		}
		return []byte("[server]\naddr = \"127.0.0.1:4000\"\n"), nil
	}

	cfg, err := Load("mem.toml", WithReadFile(read), WithLookupEnv(noEnv))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Server.Addr)

	_, err = Load("other.toml", WithReadFile(read), WithLookupEnv(noEnv))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadSyntaxError(t *testing.T) {
	path := writeFile(t, "[pool\n")

	_, err := Load(path, WithLookupEnv(noEnv))
	var serr *loader.SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, path, serr.File)
}

func TestLoadUnknownSetting(t *testing.T) {
	path := writeFile(t, `
[pool]
idle_timeot = "2m"
`)

	_, err := Load(path, WithLookupEnv(noEnv))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ProblemUnknownSetting, verr.Problem)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeFile(t, `
[engine]
eval_timeout = "soon"
`)

	_, err := Load(path, WithLookupEnv(noEnv))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ProblemWrongType, verr.Problem)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		path    string
		problem Problem
	}{
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr", ProblemMissing},
		{"zero sweep", func(c *Config) { c.Pool.SweepInterval = 0 }, "pool.sweep_interval", ProblemOutOfRange},
		{"negative grace", func(c *Config) { c.Pool.EvictionGrace = Duration(-time.Second) }, "pool.eviction_grace", ProblemOutOfRange},
		{"zero eval timeout", func(c *Config) { c.Engine.EvalTimeout = 0 }, "engine.eval_timeout", ProblemOutOfRange},
		{"zero fetch bytes", func(c *Config) { c.Sandbox.MaxFetchBytes = 0 }, "sandbox.max_fetch_bytes", ProblemOutOfRange},
		{"zero stack", func(c *Config) { c.Sandbox.MaxCallStack = 0 }, "sandbox.max_call_stack", ProblemOutOfRange},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level", ProblemUnsupported},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format", ProblemUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			var verr *ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tt.path, verr.Setting)
			assert.Equal(t, tt.problem, verr.Problem)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
	assert.Contains(t, err.Error(), "logging.level")
	assert.False(t, errors.Is(err, ErrFileNotFound))
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("later")))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{
		Setting: "logging.format",
		Problem: ProblemUnsupported,
		Detail:  "want text or json",
		Value:   "xml",
	}
	assert.Equal(t, "config logging.format: unsupported value: want text or json (got xml)", err.Error())

	err = &ValidationError{Setting: "pool.bogus", Problem: ProblemUnknownSetting}
	assert.Equal(t, "config pool.bogus: unknown setting", err.Error())
	assert.Equal(t, "problem(42)", Problem(42).String())
}
