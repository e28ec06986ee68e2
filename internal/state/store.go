package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store owns the state document on disk. It is the single writer: the
// engine and the fast exit monitor both mutate through Update, which holds
// the writer mutex across mutate-and-persist so readers never observe a
// half-applied change.
type Store struct {
	path string
	log  zerolog.Logger

	mu  sync.Mutex
	doc *Document
}

// NewStore creates a store for the document at path. Call Load before use.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("service", "state").Logger(),
	}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document from disk. A missing file yields a fresh
// default document; corrupt JSON logs a warning and also yields defaults
// rather than crashing the daemon.
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := NewDocument()

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.log.Info().Str("path", s.path).Msg("No state file, starting fresh")
	case err != nil:
		s.log.Warn().Err(err).Str("path", s.path).Msg("Failed to read state file, starting fresh")
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Corrupt state file, starting fresh")
			doc = NewDocument()
		}
	}

	doc.normalize()
	s.doc = doc
	return doc
}

// Update runs fn on the document under the writer mutex and persists the
// result atomically. The document passed to fn must not be retained.
func (s *Store) Update(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		s.doc = NewDocument()
	}
	fn(s.doc)
	s.doc.UpdatedAt = time.Now().UTC()

	return s.writeLocked()
}

// View runs fn on the document under the mutex without persisting.
// The document must not be retained or mutated.
func (s *Store) View(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		s.doc = NewDocument()
	}
	fn(s.doc)
}

// Save persists the current document without mutating it.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		s.doc = NewDocument()
	}
	s.doc.UpdatedAt = time.Now().UTC()
	return s.writeLocked()
}

// writeLocked serializes the document and writes it atomically: temp file
// in the same directory, fsync, rename onto the target.
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// HeartbeatPath returns the sidecar heartbeat file path.
func (s *Store) HeartbeatPath() string {
	return s.path + ".heartbeat"
}

// Heartbeat writes the current time to the sidecar heartbeat file. The
// health endpoint reads it without parsing the full document.
func (s *Store) Heartbeat(at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data := []byte(at.UTC().Format(time.RFC3339Nano))
	if err := os.WriteFile(s.HeartbeatPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// HeartbeatAge returns how old the heartbeat is at now. An unreadable or
// unparsable heartbeat returns an error.
func (s *Store) HeartbeatAge(now time.Time) (time.Duration, error) {
	data, err := os.ReadFile(s.HeartbeatPath())
	if err != nil {
		return 0, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse heartbeat: %w", err)
	}
	return now.Sub(ts), nil
}

// EmergencyStopFile is the sentinel filename that pauses all new orders
// while present next to the state document.
const EmergencyStopFile = "EMERGENCY_STOP"

// EmergencyStopActive reports whether the sentinel file exists in the
// state directory.
func (s *Store) EmergencyStopActive() bool {
	_, err := os.Stat(filepath.Join(filepath.Dir(s.path), EmergencyStopFile))
	return err == nil
}
