// internal/gateway/errors.go
package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a gateway failure for the engine's error taxonomy.
type Kind int

const (
	// KindTransient covers network timeouts, rate limits and temporary
	// locks. Retried inside the gateway up to the retry budget.
	KindTransient Kind = iota

	// KindConflict covers merge/cherry-pick conflicts. Never retried and
	// never auto-resolved; callers route to their fallback path.
	KindConflict

	// KindNotFound covers missing branches, issues and pull requests.
	KindNotFound

	// KindInconsistency covers mismatches between expected and observed
	// external state. Routed through drift severity classification.
	KindInconsistency

	// KindFatal covers retry-budget exhaustion and everything that must
	// surface to the caller immediately.
	KindFatal
)

// String returns the taxonomy name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInconsistency:
		return "inconsistency"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified gateway failure. Op names the attempted operation
// so callers can diagnose without re-querying live state.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with a kind and operation name.
func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConflictError reports a cherry-pick or merge conflict with the paths that
// conflicted. Always wrapped in an Error with KindConflict.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	if len(e.Paths) == 0 {
		return "conflict"
	}
	return "conflict in " + strings.Join(e.Paths, ", ")
}

// KindOf returns the taxonomy kind for err. Unclassified errors are fatal:
// nothing leaves the gateway without a kind, so an unwrapped error means a
// bug, and fatal is the conservative report.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindFatal
}

// IsConflict reports whether err is a conflict, and returns the conflicting
// paths when it is.
func IsConflict(err error) ([]string, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Paths, true
	}
	return nil, false
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsTransient reports whether err is a transient failure.
func IsTransient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindTransient
	}
	return false
}
