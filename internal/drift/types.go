// internal/drift/types.go
package drift

// Severity grades a drift finding.
type Severity int

const (
	// SeverityMinor is cosmetic divergence: the checkpoint is refreshed
	// without further action.
	SeverityMinor Severity = iota

	// SeverityModerate is recoverable divergence: state is re-detected and
	// the divergence recorded in history.
	SeverityModerate

	// SeverityCritical is unrecoverable divergence: local work is preserved
	// on a backup branch, a tracking issue is filed, and the worker resets.
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one detected divergence between believed and external state.
type Finding struct {
	Severity Severity
	// Subject identifies what drifted, e.g. "item:42", "branch:agent/a/42",
	// "pr:104". Cooldown is keyed on it.
	Subject string
	Detail  string
}

// Correction records what was done about a finding.
type Correction struct {
	Finding Finding
	// Action names the correction taken, or "skipped_cooldown" when the
	// subject was corrected too recently.
	Action string
	// BackupBranch is set when local work was preserved.
	BackupBranch string
	// TrackingIssue is set when a tracking issue was filed.
	TrackingIssue int
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Findings    []Finding
	Corrections []Correction
	// StateChanged is true when the pass moved the worker to a new state.
	StateChanged bool
}
