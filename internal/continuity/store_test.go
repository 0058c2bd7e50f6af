package continuity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/landd/internal/logging"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil, logging.NewNop())
	require.NoError(t, err)
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		AgentID: "agent-1",
		State: StateSnapshot{
			Kind:         "working",
			WorkItem:     42,
			Branch:       "agent/agent-1/42",
			CommitsAhead: 3,
		},
		HeadHash: "abc123",
	}
	require.NoError(t, s.Checkpoint(ctx, cp))

	got, err := s.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, cp.State, got.State)
	assert.Equal(t, "abc123", got.HeadHash)
	assert.False(t, got.Timestamp.IsZero())
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	s := newStore(t)

	got, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRestoreCorruptCheckpoint(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "checkpoint.yaml"), []byte("{not yaml"), 0o600))

	got, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpointFilePermissions(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Checkpoint(context.Background(), &Checkpoint{AgentID: "agent-1"}))

	info, err := os.Stat(filepath.Join(s.Dir(), "checkpoint.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidate(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name string
		cp   *Checkpoint
		head string
		want ValidationOutcome
	}{
		{
			name: "nil checkpoint starts fresh",
			cp:   nil,
			head: "abc",
			want: StartFresh,
		},
		{
			name: "stale checkpoint starts fresh",
			cp:   &Checkpoint{Timestamp: time.Now().Add(-72 * time.Hour), HeadHash: "abc"},
			head: "abc",
			want: StartFresh,
		},
		{
			name: "head mismatch starts fresh",
			cp:   &Checkpoint{Timestamp: time.Now(), HeadHash: "abc"},
			head: "def",
			want: StartFresh,
		},
		{
			name: "unreadable head starts fresh",
			cp:   &Checkpoint{Timestamp: time.Now(), HeadHash: "abc"},
			head: "",
			want: StartFresh,
		},
		{
			name: "plan in flight resyncs",
			cp:   &Checkpoint{Timestamp: time.Now(), HeadHash: "abc", PlanID: "p1", CompletedOps: 2},
			head: "abc",
			want: ResyncThenResume,
		},
		{
			name: "clean but old checkpoint resyncs",
			cp:   &Checkpoint{Timestamp: time.Now().Add(-time.Hour), HeadHash: "abc"},
			head: "abc",
			want: ResyncThenResume,
		},
		{
			name: "recent clean checkpoint resumes",
			cp:   &Checkpoint{Timestamp: time.Now().Add(-10 * time.Second), HeadHash: "abc"},
			head: "abc",
			want: Resume,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Validate(tt.cp, tt.head))
		})
	}
}

func TestDiscard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Checkpoint(ctx, &Checkpoint{AgentID: "agent-1"}))
	require.NoError(t, s.Discard(ctx))

	got, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Discarding again is fine.
	assert.NoError(t, s.Discard(ctx))
}

func TestHistoryBound(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, &Config{
		MaxCheckpointAge:  time.Hour,
		CleanResumeWindow: time.Minute,
		HistoryLimit:      5,
	}, logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Append(ctx, HistoryEntry{
			Type:   EntryTransition,
			From:   "idle",
			To:     "assigned",
			Detail: fmt.Sprintf("entry %d", i),
		}))
	}

	entries, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// The oldest entries were trimmed; the newest is last.
	assert.Equal(t, "entry 3", entries[0].Detail)
	assert.Equal(t, "entry 7", entries[4].Detail)
}

func TestHistoryTail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, HistoryEntry{Type: EntryDrift, Detail: fmt.Sprintf("d%d", i)}))
	}

	entries, err := s.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "d2", entries[0].Detail)
	assert.Equal(t, "d3", entries[1].Detail)
}
