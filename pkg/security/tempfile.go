package security

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TempPrefix is the name prefix of every file created by a TempStore
const TempPrefix = "as2-"

// TempStore allocates temporary files in one directory and remembers every
// file it handed out until the file is released. Safe for concurrent use.
type TempStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}
}

// NewTempStore creates the store; an empty dir means a go-as2 directory
// under os.TempDir()
func NewTempStore(dir string, logger *slog.Logger) (*TempStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "go-as2")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TempStore{
		dir:    dir,
		logger: logger.With("component", "tempstore"),
		files:  make(map[string]struct{}),
	}, nil
}

// Dir returns the directory files are created in
func (s *TempStore) Dir() string {
	return s.dir
}

// Len returns the number of files currently registered
func (s *TempStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func (s *TempStore) create() (string, error) {
	f, err := os.CreateTemp(s.dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	s.register(name)
	return name, nil
}

func (s *TempStore) register(path string) {
	s.mu.Lock()
	s.files[path] = struct{}{}
	s.mu.Unlock()
}

// release deletes path and forgets it; missing files are not an error
func (s *TempStore) release(path string) error {
	s.mu.Lock()
	delete(s.files, path)
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep deletes every registered file, then any unregistered file in the
// directory carrying TempPrefix whose modification time is older than
// staleAfter. A zero staleAfter skips the directory scan. It returns the
// number of files removed.
func (s *TempStore) Sweep(staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	removed := 0
	var errs []error
	for _, p := range paths {
		if err := s.release(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if staleAfter > 0 {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			errs = append(errs, err)
		}
		cutoff := time.Now().Add(-staleAfter)
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(s.dir, e.Name())
			s.mu.Lock()
			_, live := s.files[path]
			s.mu.Unlock()
			if live {
				continue
			}
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Debug("temp files swept", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Scope returns a new scope owning the files it creates
func (s *TempStore) Scope() *Scope {
	return &Scope{store: s}
}

// Scope owns a set of temporary files for one operation, typically one
// inbound transmission or one outbound send. Close deletes them all.
type Scope struct {
	store *TempStore

	mu     sync.Mutex
	files  []string
	closed bool
}

// Create allocates an empty temp file owned by the scope
func (sc *Scope) Create() (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return "", errors.New("temp scope is closed")
	}
	path, err := sc.store.create()
	if err != nil {
		return "", err
	}
	sc.files = append(sc.files, path)
	return path, nil
}

// WriteFile allocates a temp file holding data
func (sc *Scope) WriteFile(data []byte) (string, error) {
	path, err := sc.Create()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return path, nil
}

// Track hands ownership of an existing file to the scope
func (sc *Scope) Track(path string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.store.register(path)
	sc.files = append(sc.files, path)
}

// Files returns the paths currently owned by the scope
func (sc *Scope) Files() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.files...)
}

// Close deletes every file owned by the scope. Calling Close more than once
// is harmless.
func (sc *Scope) Close() error {
	sc.mu.Lock()
	files := sc.files
	sc.files = nil
	sc.closed = true
	sc.mu.Unlock()

	var errs []error
	for _, p := range files {
		if err := sc.store.release(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
