package loader

import (
	"os"
	"strconv"
	"strings"
)

// Env is an environment variable layer. Only variables named in Vars are
// read; each maps to a dotted setting such as "pool.idle_timeout".
type Env struct {
	Vars map[string]string

	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Load reads every mapped variable. Unset and empty variables are skipped.
func (e Env) Load() (map[string]any, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	layer := make(map[string]any)
	for name, setting := range e.Vars {
		raw, ok := lookup(name)
		if !ok || raw == "" {
			continue
		}
		assign(layer, setting, coerce(raw))
	}
	return layer, nil
}

// coerce types a raw value: boolean words become bools, base-10 integers
// become int64, anything else stays a string for the decoder to parse.
func coerce(raw string) any {
	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

func assign(layer map[string]any, setting string, v any) {
	sections, leaf := splitSetting(setting)
	m := layer
	for _, s := range sections {
		next, ok := m[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[s] = next
		}
		m = next
	}
	m[leaf] = v
}

func splitSetting(setting string) ([]string, string) {
	i := strings.LastIndexByte(setting, '.')
	if i < 0 {
		return nil, setting
	}
	return strings.Split(setting[:i], "."), setting[i+1:]
}
