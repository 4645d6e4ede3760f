package role

import (
	"time"

	"github.com/fyrsmithlabs/conductd/internal/config"
)

// Policy captures the per-role delegation knobs: how long a single
// delegation may run, how often it is retried, how retry backoff grows,
// how many context tokens the role receives, and which context sections
// are relevant to it.
type Policy struct {
	// Timeout bounds a single delegation attempt.
	Timeout time.Duration

	// MaxAttempts bounds retries for transient failures. 1 disables
	// retrying.
	MaxAttempts int

	// BackoffInitial and BackoffMax shape the exponential delay between
	// retry attempts.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Budget is the context token budget handed to this role.
	Budget int

	// Relevance names the context sections this role receives. Empty
	// means every section is relevant.
	Relevance []string
}

// DefaultPolicy derives the baseline policy from router and pipeline
// configuration. Per-role overrides are layered on top via Merge.
func DefaultPolicy(rc config.RouterConfig, pc config.PipelineConfig) Policy {
	return Policy{
		Timeout:        rc.DefaultTimeout.Duration(),
		MaxAttempts:    rc.DefaultMaxAttempts,
		BackoffInitial: rc.BackoffInitial.Duration(),
		BackoffMax:     rc.BackoffMax.Duration(),
		Budget:         pc.DefaultBudget,
	}
}

// Merge overlays the non-zero fields of override onto p and returns the
// result. Zero-valued override fields inherit from p.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffInitial > 0 {
		out.BackoffInitial = override.BackoffInitial
	}
	if override.BackoffMax > 0 {
		out.BackoffMax = override.BackoffMax
	}
	if override.Budget > 0 {
		out.Budget = override.Budget
	}
	if len(override.Relevance) > 0 {
		out.Relevance = append([]string(nil), override.Relevance...)
	}
	return out
}

// FromConfig converts a config.RoleConfig into a Policy override.
func FromConfig(rc config.RoleConfig) Policy {
	return Policy{
		Timeout:     rc.Timeout.Duration(),
		MaxAttempts: rc.MaxAttempts,
		Budget:      rc.Budget,
		Relevance:   append([]string(nil), rc.Relevance...),
	}
}

// Relevant reports whether the named context section should be delivered
// to a role governed by this policy. An empty relevance list or a "*"
// entry admits every section.
func (p Policy) Relevant(section string) bool {
	if len(p.Relevance) == 0 {
		return true
	}
	for _, name := range p.Relevance {
		if name == "*" || name == section {
			return true
		}
	}
	return false
}
