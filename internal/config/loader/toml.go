package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// File is a TOML file layer. A missing file is reported with an error
// wrapping fs.ErrNotExist so callers can decide whether it matters.
type File struct {
	Path string

	// ReadFile defaults to os.ReadFile.
	ReadFile ReadFileFunc
}

// Load reads and decodes the file.
func (f File) Load() (map[string]any, error) {
	read := f.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return DecodeTOML(f.Path, data)
}

// DecodeTOML decodes TOML text into a layer. name labels syntax errors.
func DecodeTOML(name string, data []byte) (map[string]any, error) {
	layer := make(map[string]any)
	if err := toml.Unmarshal(data, &layer); err != nil {
		serr := &SyntaxError{File: name, Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			serr.Line, serr.Column = derr.Position()
		}
		return nil, serr
	}
	return layer, nil
}

// SyntaxError locates malformed TOML.
type SyntaxError struct {
	File   string
	Line   int
	Column int
	Err    error
}

func (e *SyntaxError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("%s:%d:%d: %v", e.File, e.Line, e.Column, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }
