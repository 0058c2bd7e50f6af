// Package gateway is the sole mutation boundary against the two shared
// resources: the local git working tree and the GitHub repository. All
// decision logic (lifecycle, bundling, drift) consumes the Local and
// Provider interfaces and never touches git or the network directly.
//
// Gateway calls are blocking with a per-call timeout. Provider calls are
// rate limited client-side and retried with exponential backoff when the
// failure is classified as transient; retry exhaustion is surfaced as a
// fatal error. Cherry-pick conflicts are expected flow, never retried,
// and reported as ConflictError with the conflicting paths.
package gateway
