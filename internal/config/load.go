package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/runbok/internal/config/loader"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RUNBOK_"

// EnvMapping returns the environment variable to setting path table.
func EnvMapping() map[string]string {
	return map[string]string{
		EnvPrefix + "SERVER_ADDR":                   "server.addr",
		EnvPrefix + "POOL_SWEEP_INTERVAL":           "pool.sweep_interval",
		EnvPrefix + "POOL_IDLE_TIMEOUT":             "pool.idle_timeout",
		EnvPrefix + "POOL_ACTIVE_WINDOW":            "pool.active_window",
		EnvPrefix + "POOL_EVICTION_GRACE":           "pool.eviction_grace",
		EnvPrefix + "POOL_DIAL_TIMEOUT":             "pool.dial_timeout",
		EnvPrefix + "ENGINE_EVAL_TIMEOUT":           "engine.eval_timeout",
		EnvPrefix + "ENGINE_PURGE_ON_COMPILE_ERROR": "engine.purge_on_compile_error",
		EnvPrefix + "SANDBOX_TIMEOUT":               "sandbox.timeout",
		EnvPrefix + "SANDBOX_ALLOW_FETCH":           "sandbox.allow_fetch",
		EnvPrefix + "SANDBOX_FETCH_TIMEOUT":         "sandbox.fetch_timeout",
		EnvPrefix + "SANDBOX_MAX_FETCH_BYTES":       "sandbox.max_fetch_bytes",
		EnvPrefix + "SANDBOX_MAX_CALL_STACK":        "sandbox.max_call_stack",
		EnvPrefix + "LOG_LEVEL":                     "logging.level",
		EnvPrefix + "LOG_FORMAT":                    "logging.format",
	}
}

type loadOptions struct {
	readFile loader.ReadFileFunc
	lookup   func(string) (string, bool)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithReadFile reads the config file through read instead of os.ReadFile.
func WithReadFile(read loader.ReadFileFunc) LoadOption {
	return func(o *loadOptions) {
		o.readFile = read
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(lookup func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		o.lookup = lookup
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and RUNBOK_* environment variables, then validates it.
func Load(path string, opts ...LoadOption) (Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	var layers []loader.Layer
	if path != "" {
		layers = append(layers, loader.File{Path: path, ReadFile: o.readFile})
	}
	layers = append(layers, loader.Env{Vars: EnvMapping(), Lookup: o.lookup})

	loaded := make([]map[string]any, 0, len(layers))
	for _, l := range layers {
		m, err := l.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if err != nil {
			return Config{}, err
		}
		loaded = append(loaded, m)
	}

	cfg, err := decode(loader.Merge(loaded...))
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode applies the merged layers on top of the defaults. Unknown settings
// are rejected.
func decode(layers map[string]any) (Config, error) {
	cfg := Default()
	if len(layers) == 0 {
		return cfg, nil
	}

	data, err := toml.Marshal(layers)
	if err != nil {
		return Config{}, fmt.Errorf("encoding config layers: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, decodeError(err)
	}
	return cfg, nil
}

func decodeError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		errs := make([]error, 0, len(strict.Errors))
		for _, de := range strict.Errors {
			errs = append(errs, &ValidationError{
				Setting: strings.Join(de.Key(), "."),
				Problem: ProblemUnknownSetting,
			})
		}
		return errors.Join(errs...)
	}

	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		path := strings.Join(derr.Key(), ".")
		if path == "" {
			path = "config"
		}
		return &ValidationError{Setting: path, Detail: derr.Error(), Problem: ProblemWrongType}
	}
	return &ValidationError{Setting: "config", Detail: err.Error(), Problem: ProblemWrongType}
}
