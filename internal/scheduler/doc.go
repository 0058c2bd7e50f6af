// Package scheduler runs the long-lived worker loop: periodic bundling
// passes, adaptively timed drift reconciliation, and crash-safe startup from
// the persisted checkpoint. One scheduler owns the working tree for its
// whole lifetime, enforced by an advisory file lock.
package scheduler
