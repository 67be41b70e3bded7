// Package state persists small per-component JSON blobs between runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrInvalidKey is returned for component keys that are not safe file names.
var ErrInvalidKey = errors.New("invalid state key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store keeps one JSON file per component key under a directory.
type Store struct {
	logger *slog.Logger
	dir    string
	mu     sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created on first save.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	return &Store{dir: abs, logger: logger.With("component", "state")}, nil
}

// Dir returns the absolute directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Save serializes v under key, replacing any previous value.
func (s *Store) Save(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil { //nolint:gosec // standard directory permissions
		return fmt.Errorf("ensure state dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Delete removes the value stored under key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) read(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.ReadFile(path) //nolint:gosec // key is restricted to a safe file name
}

func (s *Store) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Load returns the value stored under key merged over defaults: stored fields
// win, fields absent from storage keep their default. A missing, unreadable or
// corrupt value yields defaults unchanged.
func Load[T any](s *Store, key string, defaults T) T {
	data, err := s.read(key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read state failed", slog.String("key", key), slog.Any("err", err))
		}
		return defaults
	}

	merged, err := cloneJSON(defaults)
	if err != nil {
		s.logger.Warn("copy state defaults failed", slog.String("key", key), slog.Any("err", err))
		return defaults
	}
	if err := json.Unmarshal(data, &merged); err != nil {
		s.logger.Warn("discarding corrupt state", slog.String("key", key), slog.Any("err", err))
		return defaults
	}
	return merged
}

// cloneJSON deep-copies v so a failed merge never touches the caller's defaults.
func cloneJSON[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".mdlive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	keep = true
	return nil
}
