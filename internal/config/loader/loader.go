// Package loader produces the raw layers runbok's configuration is built
// from: a TOML file and a table of environment variables. A layer is a
// nested map of section name to setting name to value; the config package
// merges layers in order and decodes the result.
package loader

// Layer is one source of settings. A Layer with nothing to contribute
// returns an empty map.
type Layer interface {
	Load() (map[string]any, error)
}

// ReadFileFunc reads a whole file. os.ReadFile satisfies it.
type ReadFileFunc func(name string) ([]byte, error)

// Merge folds layers left to right into a new map. Nested sections are
// merged key by key; any other value from a later layer replaces the
// earlier one. The inputs are not modified.
func Merge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for key, v := range src {
		section, ok := v.(map[string]any)
		if !ok {
			dst[key] = v
			continue
		}
		existing, ok := dst[key].(map[string]any)
		if !ok {
			existing = make(map[string]any, len(section))
			dst[key] = existing
		}
		mergeInto(existing, section)
	}
}
