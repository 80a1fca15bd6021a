// Package config provides runbok's configuration.
//
// Configuration is layered, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Command Line Flags      │  ← Highest priority
//	├─────────────────────────────┤
//	│  3. RUNBOK_* Environment    │
//	├─────────────────────────────┤
//	│  2. TOML File               │  ← --config runbok.toml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// Load merges layers 1 to 3; the CLI applies flags to the returned value and
// calls Validate again.
//
// Durations are written as strings:
//
//	[pool]
//	sweep_interval = "5m"
//	idle_timeout = "10m"
package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from strings like "30s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete runbok configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Pool    Pool    `toml:"pool"`
	Engine  Engine  `toml:"engine"`
	Sandbox Sandbox `toml:"sandbox"`
	Logging Logging `toml:"logging"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `toml:"addr"`
}

// Pool configures the remote connection pool.
type Pool struct {
	SweepInterval Duration `toml:"sweep_interval"`
	IdleTimeout   Duration `toml:"idle_timeout"`
	ActiveWindow  Duration `toml:"active_window"`
	EvictionGrace Duration `toml:"eviction_grace"`
	DialTimeout   Duration `toml:"dial_timeout"`
}

// Engine configures the execution router.
type Engine struct {
	EvalTimeout         Duration `toml:"eval_timeout"`
	PurgeOnCompileError bool     `toml:"purge_on_compile_error"`
}

// Sandbox configures local execution.
type Sandbox struct {
	Timeout       Duration `toml:"timeout"`
	AllowFetch    bool     `toml:"allow_fetch"`
	FetchTimeout  Duration `toml:"fetch_timeout"`
	MaxFetchBytes int64    `toml:"max_fetch_bytes"`
	MaxCallStack  int      `toml:"max_call_stack"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: Server{Addr: "127.0.0.1:3001"},
		Pool: Pool{
			SweepInterval: Duration(5 * time.Minute),
			IdleTimeout:   Duration(10 * time.Minute),
			ActiveWindow:  Duration(30 * time.Second),
			EvictionGrace: Duration(5 * time.Second),
			DialTimeout:   Duration(10 * time.Second),
		},
		Engine: Engine{
			EvalTimeout: Duration(30 * time.Second),
		},
		Sandbox: Sandbox{
			Timeout:       Duration(10 * time.Second),
			AllowFetch:    true,
			FetchTimeout:  Duration(30 * time.Second),
			MaxFetchBytes: 10 << 20,
			MaxCallStack:  1024,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}
