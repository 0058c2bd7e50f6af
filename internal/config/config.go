// Package config provides configuration loading for landd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full landd configuration.
type Config struct {
	// Repo identifies the single GitHub repository the worker operates against.
	Repo RepoConfig `koanf:"repo"`

	// Agent identifies the worker and its branch-naming convention.
	Agent AgentConfig `koanf:"agent"`

	// Labels is the lifecycle label vocabulary on the issue tracker.
	Labels LabelConfig `koanf:"labels"`

	// Bundling controls the batched-PR pass.
	Bundling BundlingConfig `koanf:"bundling"`

	// Drift controls the reconciliation pass.
	Drift DriftConfig `koanf:"drift"`

	// Continuity controls checkpoint persistence.
	Continuity ContinuityConfig `koanf:"continuity"`

	// Gateway controls external call behavior.
	Gateway GatewayConfig `koanf:"gateway"`

	// Logging configures the zap logger.
	Logging LogConfig `koanf:"logging"`
}

// RepoConfig identifies the repository and its base branch.
type RepoConfig struct {
	Owner      string `koanf:"owner"`
	Name       string `koanf:"name"`
	BaseBranch string `koanf:"base_branch"`
	// Path is the local working tree the worker mutates.
	Path string `koanf:"path"`
	// Token authenticates against the GitHub API. Env: REPO_TOKEN.
	Token Secret `koanf:"token"`
}

// AgentConfig identifies the worker.
type AgentConfig struct {
	// ID names the worker. Branch names are <branch_prefix><id>/<issue>.
	ID           string `koanf:"id"`
	BranchPrefix string `koanf:"branch_prefix"`
}

// LabelConfig is the lifecycle label vocabulary. Exactly one route marker
// (Ready, Assigned, Review, Bundled) may be present on an issue at a time.
type LabelConfig struct {
	Ready     string `koanf:"ready"`
	Assigned  string `koanf:"assigned"`
	Review    string `koanf:"review"`
	Bundled   string `koanf:"bundled"`
	Unblocker string `koanf:"unblocker"`
	// PriorityPrefix orders review candidates, e.g. "priority:" matches
	// priority:high, priority:medium, priority:low.
	PriorityPrefix string `koanf:"priority_prefix"`
}

// BundlingConfig controls the batched-PR pass.
type BundlingConfig struct {
	Interval      Duration `koanf:"interval"`
	MaxBundleSize int      `koanf:"max_bundle_size"`
	BranchPrefix  string   `koanf:"branch_prefix"`
}

// DriftConfig controls the reconciliation pass.
type DriftConfig struct {
	// MinInterval applies while the worker is Working, MaxInterval while Idle.
	MinInterval Duration `koanf:"min_interval"`
	MaxInterval Duration `koanf:"max_interval"`
	Cooldown    Duration `koanf:"cooldown"`
	// BehindThreshold is how many commits behind base counts as Moderate drift.
	BehindThreshold int `koanf:"behind_threshold"`
}

// ContinuityConfig controls checkpoint persistence.
type ContinuityConfig struct {
	// StateDir holds checkpoint.yaml and history.yaml, namespaced per repo.
	// Empty means ~/.local/state/landd/<owner>-<name>.
	StateDir string `koanf:"state_dir"`
	// MaxCheckpointAge invalidates a restored checkpoint older than this.
	MaxCheckpointAge Duration `koanf:"max_checkpoint_age"`
	// HistoryLimit bounds the transition/drift history file.
	HistoryLimit int `koanf:"history_limit"`
}

// GatewayConfig controls external call behavior.
type GatewayConfig struct {
	CallTimeout Duration `koanf:"call_timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	// RateLimit is GitHub API calls per second allowed client-side.
	RateLimit float64 `koanf:"rate_limit"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns sensible defaults. Repo owner/name/path have no
// defaults and must come from file or environment.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			BaseBranch: "main",
		},
		Agent: AgentConfig{
			ID:           "agent-1",
			BranchPrefix: "agent/",
		},
		Labels: LabelConfig{
			Ready:          "ready-for-work",
			Assigned:       "assigned",
			Review:         "ready-for-review",
			Bundled:        "bundled",
			Unblocker:      "unblocker",
			PriorityPrefix: "priority:",
		},
		Bundling: BundlingConfig{
			Interval:      Duration(10 * time.Minute),
			MaxBundleSize: 8,
			BranchPrefix:  "bundle/",
		},
		Drift: DriftConfig{
			MinInterval:     Duration(2 * time.Minute),
			MaxInterval:     Duration(10 * time.Minute),
			Cooldown:        Duration(5 * time.Minute),
			BehindThreshold: 20,
		},
		Continuity: ContinuityConfig{
			MaxCheckpointAge: Duration(48 * time.Hour),
			HistoryLimit:     200,
		},
		Gateway: GatewayConfig{
			CallTimeout: Duration(30 * time.Second),
			MaxRetries:  3,
			RateLimit:   5,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Repo.Owner == "" {
		return fmt.Errorf("repo.owner is required")
	}
	if c.Repo.Name == "" {
		return fmt.Errorf("repo.name is required")
	}
	if c.Repo.Path == "" {
		return fmt.Errorf("repo.path is required")
	}
	if c.Repo.BaseBranch == "" {
		return fmt.Errorf("repo.base_branch is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Agent.BranchPrefix == "" {
		return fmt.Errorf("agent.branch_prefix is required")
	}
	if err := c.Labels.validate(); err != nil {
		return err
	}
	if c.Bundling.MaxBundleSize < 1 {
		return fmt.Errorf("bundling.max_bundle_size must be >= 1, got %d", c.Bundling.MaxBundleSize)
	}
	if c.Bundling.Interval.Duration() <= 0 {
		return fmt.Errorf("bundling.interval must be > 0")
	}
	if c.Drift.MinInterval.Duration() <= 0 || c.Drift.MaxInterval.Duration() <= 0 {
		return fmt.Errorf("drift intervals must be > 0")
	}
	if c.Drift.MinInterval.Duration() > c.Drift.MaxInterval.Duration() {
		return fmt.Errorf("drift.min_interval must not exceed drift.max_interval")
	}
	if c.Continuity.HistoryLimit < 1 {
		return fmt.Errorf("continuity.history_limit must be >= 1, got %d", c.Continuity.HistoryLimit)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries cannot be negative")
	}
	if c.Gateway.CallTimeout.Duration() <= 0 {
		return fmt.Errorf("gateway.call_timeout must be > 0")
	}
	return nil
}

// validate rejects empty or overlapping route markers. Lifecycle state is
// derived from label presence, so two states sharing a label would make the
// derivation ambiguous.
func (l *LabelConfig) validate() error {
	route := map[string]string{
		"labels.ready":    l.Ready,
		"labels.assigned": l.Assigned,
		"labels.review":   l.Review,
		"labels.bundled":  l.Bundled,
	}
	seen := make(map[string]string, len(route))
	for key, val := range route {
		if val == "" {
			return fmt.Errorf("%s is required", key)
		}
		if prev, dup := seen[val]; dup {
			return fmt.Errorf("label %q is used by both %s and %s", val, prev, key)
		}
		seen[val] = key
	}
	if l.PriorityPrefix != "" {
		for key, val := range route {
			if strings.HasPrefix(val, l.PriorityPrefix) {
				return fmt.Errorf("%s %q collides with priority prefix %q", key, val, l.PriorityPrefix)
			}
		}
	}
	return nil
}

// StateDir resolves the continuity state directory, namespaced per repository
// so two landd instances never share checkpoint files.
func (c *Config) StateDir() (string, error) {
	if c.Continuity.StateDir != "" {
		return c.Continuity.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "landd",
		fmt.Sprintf("%s-%s", c.Repo.Owner, c.Repo.Name)), nil
}
