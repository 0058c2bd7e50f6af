// internal/continuity/store.go
package continuity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/landd/internal/logging"
)

const (
	checkpointFile = "checkpoint.yaml"
	historyFile    = "history.yaml"
)

// Config configures the continuity store.
type Config struct {
	// MaxCheckpointAge invalidates checkpoints older than this on restore.
	MaxCheckpointAge time.Duration

	// CleanResumeWindow is how recent a clean checkpoint (no plan in
	// flight) must be to skip the resync pass.
	CleanResumeWindow time.Duration

	// HistoryLimit bounds the history file to the most recent N entries.
	HistoryLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxCheckpointAge:  48 * time.Hour,
		CleanResumeWindow: 2 * time.Minute,
		HistoryLimit:      200,
	}
}

// Store persists checkpoints and history under one state directory.
type Store struct {
	dir    string
	config *Config
	logger *logging.Logger

	mu sync.Mutex
}

// NewStore creates the store, creating the state directory if needed.
func NewStore(dir string, cfg *Config, logger *logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, config: cfg, logger: logger}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Checkpoint atomically overwrites the current checkpoint. Failures are
// reported but callers treat them as non-fatal: the external system of
// record is still authoritative, only fast resume is lost.
func (s *Store) Checkpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	if err := atomicWriteYAML(filepath.Join(s.dir, checkpointFile), cp); err != nil {
		s.logger.Warn(ctx, "checkpoint write failed", zap.Error(err))
		return fmt.Errorf("checkpoint write failed: %w", err)
	}
	s.logger.Debug(ctx, "wrote checkpoint",
		zap.String("state", cp.State.Kind),
		zap.String("plan_id", cp.PlanID),
		zap.Int("completed_ops", cp.CompletedOps),
	)
	return nil
}

// Restore reads the current checkpoint. Returns (nil, nil) when none exists.
func (s *Store) Restore(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(s.dir, checkpointFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(content, &cp); err != nil {
		// A corrupt checkpoint is treated like a missing one, but loudly.
		s.logger.Warn(ctx, "discarding corrupt checkpoint", zap.Error(err))
		return nil, nil
	}
	return &cp, nil
}

// Validate classifies a restored checkpoint against the live working tree
// HEAD. currentHead may be empty when the working tree is unreadable, which
// always forces StartFresh.
func (s *Store) Validate(cp *Checkpoint, currentHead string) ValidationOutcome {
	if cp == nil {
		return StartFresh
	}
	age := time.Since(cp.Timestamp)
	if age > s.config.MaxCheckpointAge {
		return StartFresh
	}
	if currentHead == "" || cp.HeadHash != currentHead {
		return StartFresh
	}
	if cp.CompletedOps > 0 {
		// A plan was in flight when the process stopped.
		return ResyncThenResume
	}
	if age <= s.config.CleanResumeWindow {
		return Resume
	}
	return ResyncThenResume
}

// Discard removes the current checkpoint.
func (s *Store) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, checkpointFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard checkpoint: %w", err)
	}
	return nil
}

// Append adds an entry to the history, trimming to the configured bound.
// Best-effort like Checkpoint.
func (s *Store) Append(ctx context.Context, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	entries, err := s.readHistory()
	if err != nil {
		s.logger.Warn(ctx, "history read failed, starting new history", zap.Error(err))
		entries = nil
	}
	entries = append(entries, entry)
	if len(entries) > s.config.HistoryLimit {
		entries = entries[len(entries)-s.config.HistoryLimit:]
	}
	if err := atomicWriteYAML(filepath.Join(s.dir, historyFile), entries); err != nil {
		s.logger.Warn(ctx, "history write failed", zap.Error(err))
		return fmt.Errorf("history write failed: %w", err)
	}
	return nil
}

// History returns the most recent n entries, newest last. n <= 0 returns
// everything retained.
func (s *Store) History(ctx context.Context, n int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (s *Store) readHistory() ([]HistoryEntry, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, historyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var entries []HistoryEntry
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return entries, nil
}

// atomicWriteYAML writes via a temp file in the same directory, syncs, and
// renames over the target so readers never observe a partial file.
func atomicWriteYAML(path string, data any) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".landd-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
