package config

import (
	"errors"

	"github.com/dshills/runbok/internal/logging"
)

// Validate checks every setting and returns all failures joined.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, &ValidationError{Setting: "server.addr", Problem: ProblemMissing})
	}

	positive := []struct {
		path string
		d    Duration
	}{
		{"pool.sweep_interval", c.Pool.SweepInterval},
		{"pool.idle_timeout", c.Pool.IdleTimeout},
		{"pool.active_window", c.Pool.ActiveWindow},
		{"pool.dial_timeout", c.Pool.DialTimeout},
		{"engine.eval_timeout", c.Engine.EvalTimeout},
		{"sandbox.timeout", c.Sandbox.Timeout},
		{"sandbox.fetch_timeout", c.Sandbox.FetchTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, outOfRange(p.path, "must be positive", p.d))
		}
	}
	if c.Pool.EvictionGrace < 0 {
		errs = append(errs, outOfRange("pool.eviction_grace", "must not be negative", c.Pool.EvictionGrace))
	}
	if c.Sandbox.MaxFetchBytes <= 0 {
		errs = append(errs, outOfRange("sandbox.max_fetch_bytes", "must be positive", c.Sandbox.MaxFetchBytes))
	}
	if c.Sandbox.MaxCallStack <= 0 {
		errs = append(errs, outOfRange("sandbox.max_call_stack", "must be positive", c.Sandbox.MaxCallStack))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, &ValidationError{
			Setting: "logging.level",
			Problem: ProblemUnsupported,
			Detail:  "want debug, info, warn or error",
			Value:   c.Logging.Level,
		})
	}
	if !logging.ValidFormat(c.Logging.Format) {
		errs = append(errs, &ValidationError{
			Setting: "logging.format",
			Problem: ProblemUnsupported,
			Detail:  "want text or json",
			Value:   c.Logging.Format,
		})
	}

	return errors.Join(errs...)
}

func outOfRange(path, msg string, v any) *ValidationError {
	return &ValidationError{Setting: path, Detail: msg, Value: v, Problem: ProblemOutOfRange}
}
