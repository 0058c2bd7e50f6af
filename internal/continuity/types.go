// internal/continuity/types.go
package continuity

import (
	"time"
)

// StateSnapshot is the serialized form of a lifecycle state. The lifecycle
// package converts to and from its own state types; continuity only stores.
type StateSnapshot struct {
	Kind         string `yaml:"kind"`
	WorkItem     int    `yaml:"work_item,omitempty"`
	WorkItems    []int  `yaml:"work_items,omitempty,flow"`
	Branch       string `yaml:"branch,omitempty"`
	CommitsAhead int    `yaml:"commits_ahead,omitempty"`
	BundlePR     int    `yaml:"bundle_pr,omitempty"`
}

// Checkpoint is a durable snapshot written after every successful plan
// operation and every drift correction.
type Checkpoint struct {
	AgentID   string        `yaml:"agent_id"`
	State     StateSnapshot `yaml:"state"`
	Timestamp time.Time     `yaml:"timestamp"`
	// HeadHash is the working-tree HEAD at checkpoint time. A mismatch on
	// restore invalidates the checkpoint.
	HeadHash string `yaml:"head_hash"`
	// PlanID and CompletedOps track an in-flight plan so a crash mid-plan
	// resumes from the last completed step.
	PlanID       string `yaml:"plan_id,omitempty"`
	CompletedOps int    `yaml:"completed_ops,omitempty"`
}

// ValidationOutcome classifies a restored checkpoint.
type ValidationOutcome int

const (
	// StartFresh discards the checkpoint; the detector establishes ground
	// truth from scratch.
	StartFresh ValidationOutcome = iota

	// ResyncThenResume runs one drift-detection pass before resuming, to
	// catch changes made while the process was down.
	ResyncThenResume

	// Resume trusts the checkpoint as-is: recent, hash-matched and with no
	// plan in flight.
	Resume
)

// String returns the outcome name.
func (o ValidationOutcome) String() string {
	switch o {
	case StartFresh:
		return "start_fresh"
	case ResyncThenResume:
		return "resync_then_resume"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// EntryType distinguishes history entries.
type EntryType string

const (
	EntryTransition EntryType = "transition"
	EntryDrift      EntryType = "drift"
)

// HistoryEntry is one audit record in the bounded history file.
type HistoryEntry struct {
	Time time.Time `yaml:"time"`
	Type EntryType `yaml:"type"`

	// Transition fields.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Drift fields.
	Severity   string `yaml:"severity,omitempty"`
	Subject    string `yaml:"subject,omitempty"`
	Correction string `yaml:"correction,omitempty"`

	Detail string `yaml:"detail,omitempty"`
}
