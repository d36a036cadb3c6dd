// Package lockstore is the host-local claim registry: one small JSON file
// per (job, key) pair under the lock root. Queue claims are created exactly
// once with an exclusive create and never removed on the success or failure
// path — the files are the host's permanent "already processed" memory.
package lockstore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
)

// InfiniteAge is returned by Age when the lockfile is missing, unreadable,
// or corrupt. Callers treat it as "stale/expired".
const InfiniteAge = time.Duration(math.MaxInt64)

// record is the lockfile body.
type record struct {
	Created string            `json:"created"`
	Info    map[string]string `json:"info"`
}

// Store is a file-based claim store rooted at a single directory.
type Store struct {
	root  string
	clock clock.Clock
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, clock: clock.New()}
}

// NewWithClock creates a Store with an injected clock, for tests.
func NewWithClock(dir string, clk clock.Clock) *Store {
	return &Store{root: dir, clock: clk}
}

// Root returns the lockfile directory.
func (s *Store) Root() string {
	return s.root
}

// DefaultRoot returns the lock root: $LOCK_ROOT if set, otherwise
// ~/.kash_stash_locks.
func DefaultRoot() string {
	if p := os.Getenv("LOCK_ROOT"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kash_stash_locks"
	}
	return filepath.Join(home, ".kash_stash_locks")
}

// Path returns the lockfile path for a (job, key) pair.
func (s *Store) Path(job, key string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s-%s.lock", job, key))
}

// Exists reports whether a lockfile is present for the pair.
func (s *Store) Exists(job, key string) bool {
	st, err := os.Stat(s.Path(job, key))
	return err == nil && !st.IsDir()
}

// Claim atomically creates the lockfile. Returns true when this caller won
// the claim, false when the file already existed. The create uses
// O_CREATE|O_EXCL — a check-then-create pair would race.
func (s *Store) Claim(job, key string, info map[string]string) (bool, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return false, fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(job, key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("claiming lock %s-%s: %w", job, key, err)
	}
	defer f.Close()
	if err := s.writeRecord(f, info); err != nil {
		return false, err
	}
	return true, nil
}

// Overwrite writes the lockfile unconditionally. Task jobs use it as a thin
// timing marker; it is NOT a claim and must never be used for queue items.
func (s *Store) Overwrite(job, key string, info map[string]string) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.Create(s.Path(job, key))
	if err != nil {
		return fmt.Errorf("writing lock %s-%s: %w", job, key, err)
	}
	defer f.Close()
	return s.writeRecord(f, info)
}

// Release deletes the lockfile, best effort. Never called for queue items
// on the success or failure path.
func (s *Store) Release(job, key string) {
	_ = os.Remove(s.Path(job, key))
}

// Age returns the elapsed time since the lockfile's recorded creation, or
// InfiniteAge on any read or parse failure.
func (s *Store) Age(job, key string) time.Duration {
	data, err := os.ReadFile(s.Path(job, key))
	if err != nil {
		return InfiniteAge
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return InfiniteAge
	}
	created, err := time.Parse(time.RFC3339Nano, rec.Created)
	if err != nil {
		return InfiniteAge
	}
	age := s.clock.Now().UTC().Sub(created)
	if age < 0 {
		return 0
	}
	return age
}

// List returns the lockfile names currently in the store, without the
// .lock suffix. Used by the CLI.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".lock" {
			continue
		}
		names = append(names, name[:len(name)-len(".lock")])
	}
	return names, nil
}

func (s *Store) writeRecord(f *os.File, info map[string]string) error {
	if info == nil {
		info = map[string]string{}
	}
	rec := record{
		Created: s.clock.Now().UTC().Format(time.RFC3339Nano),
		Info:    info,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing lock record: %w", err)
	}
	return nil
}
