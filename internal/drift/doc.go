// Package drift reconciles the worker's believed state against the external
// system of record.
//
// GitHub is authoritative: issues get closed by humans, branches get deleted,
// pull requests get merged outside the worker's control. A reconciliation
// pass detects such divergence and corrects toward the external state, never
// away from it. Findings are graded: minor drift refreshes the checkpoint
// silently, moderate drift re-detects and records the divergence, critical
// drift preserves any local work on a backup branch, files a tracking issue,
// and releases the worker.
//
// Corrections are rate-limited per finding subject so a flapping external
// state cannot drive a correction loop.
package drift
