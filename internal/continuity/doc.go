// Package continuity persists the engine's lifecycle checkpoint and a
// bounded history of transitions and drift corrections, and validates a
// restored checkpoint before the engine resumes after interruption.
//
// External state (issues, branches, pull requests) remains the system of
// record; the checkpoint only makes resumption fast and crash-safe. A
// checkpoint that is too old or whose working-tree hash no longer matches
// is discarded, forcing fresh detection.
package continuity
