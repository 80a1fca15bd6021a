package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Common errors returned by store operations.
var (
	ErrNoWorkflow  = errors.New("no yaml files found")
	ErrInvalidPath = errors.New("path must be a .yaml file or a directory")
	ErrStoreClosed = errors.New("workflow store is closed")
)

// ParseError reports a workflow file that isn't valid YAML.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse workflow %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ResolvePath turns a file or directory argument into the workflow file to
// open. A directory resolves to its first .yaml file in name order.
func ResolvePath(input string) (string, error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("path does not exist: %s", abs)
		}
		return "", err
	}

	if !info.IsDir() {
		if !isYAML(abs) {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, abs)
		}
		return abs, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isYAML(e.Name()) && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w in directory: %s", ErrNoWorkflow, abs)
	}
	sort.Strings(names)
	return filepath.Join(abs, names[0]), nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml")
}

// Store loads and saves one workflow file. Parsed documents are cached until
// the file changes; Watch keeps the cache honest against external edits.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached Document

	watcher   *fsnotify.Watcher
	closed    bool
	stopWatch chan struct{}
	watchWg   sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a store for the workflow file at path.
func NewStore(path string, opts ...Option) *Store {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	s := &Store{
		path:      filepath.Clean(path),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopWatch: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the absolute workflow file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the document with defaults backfilled. A missing file yields
// Empty. The result is a copy the caller may modify.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached.Clone(), nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read workflow: %w", err)
	}

	doc, err := decode(s.path, data)
	if err != nil {
		return nil, err
	}
	s.cached = doc
	return doc.Clone(), nil
}

func decode(path string, data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	doc := Document(normalize(raw).(map[string]any))
	if raw == nil {
		doc = Document{}
	}
	return doc.Backfill(), nil
}

// Save writes doc with defaults backfilled, creating parent directories.
// The file is replaced atomically.
func (s *Store) Save(doc Document) error {
	doc = doc.Clone().Backfill()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".runbok-*.yaml")
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write workflow: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write workflow: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write workflow: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write workflow: %w", err)
	}

	s.cached = doc
	s.logger.Debug("workflow saved", "path", s.path)
	return nil
}

// Invalidate drops the cached document.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
