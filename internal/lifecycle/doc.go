// Package lifecycle is the worker's state machine: the detector derives the
// authoritative state by reading external truth, the planner turns a
// requested transition into an ordered, risk-classified operation plan, and
// the executor applies plans through the gateway with a checkpoint after
// every completed step.
//
// State is never trusted from a cache beyond the continuity checkpoint:
// every command re-derives it. Label combinations the detector cannot
// classify are surfaced as pre-flight issues rather than coerced, because a
// wrong guess risks double-processing or abandoning live work.
package lifecycle
