package orchestrator

import (
	"sort"

	"github.com/fyrsmithlabs/conductd/internal/planner"
	"github.com/fyrsmithlabs/conductd/internal/router"
)

// HealthReport is the priority-weighted outcome score for one workflow
// plus the remediation list ranked by impact.
type HealthReport struct {
	// Score is in [0, 1]: the weighted share of tasks that completed.
	// An empty workflow scores 1.
	Score float64 `json:"score"`

	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	Unresolved int `json:"unresolved"`

	Remediation []Remediation `json:"remediation,omitempty"`
}

// AllDone reports whether every task finished successfully.
func (h HealthReport) AllDone() bool {
	return h.Succeeded == h.Total
}

// Remediation names one failing role with a suggested next step.
// Entries are ordered by failure count, highest first.
type Remediation struct {
	Role     string   `json:"role"`
	Failures int      `json:"failures"`
	Attempts int      `json:"attempts"`
	Outcomes []string `json:"outcomes"`
	Action   string   `json:"action"`
}

// computeHealth scores the run. Each task weighs 1 + its priority, so a
// failed high-priority task drags the score further than a routine one.
func computeHealth(tasks []planner.Task, results []router.Result) HealthReport {
	report := HealthReport{Total: len(tasks)}

	var num, den float64
	for _, t := range tasks {
		w := 1.0
		if t.Priority > 0 {
			w += float64(t.Priority)
		}
		den += w
		switch t.Status {
		case planner.StatusCompleted:
			report.Succeeded++
			num += w
		case planner.StatusFailed:
			report.Failed++
		case planner.StatusBlocked:
			report.Blocked++
		default:
			report.Unresolved++
		}
	}
	if den == 0 {
		report.Score = 1
		return report
	}
	report.Score = num / den
	report.Remediation = buildRemediation(results)
	return report
}

// buildRemediation groups failed delegations by role and ranks them by
// failure count, role name breaking ties.
func buildRemediation(results []router.Result) []Remediation {
	byRole := make(map[string]*Remediation)
	for _, res := range results {
		if res.Success {
			continue
		}
		entry, ok := byRole[string(res.Role)]
		if !ok {
			entry = &Remediation{Role: string(res.Role)}
			byRole[string(res.Role)] = entry
		}
		entry.Failures++
		entry.Attempts += res.Attempts
		entry.Outcomes = appendUnique(entry.Outcomes, string(res.Outcome))
	}
	if len(byRole) == 0 {
		return nil
	}

	out := make([]Remediation, 0, len(byRole))
	for _, entry := range byRole {
		entry.Action = remediationAction(entry.Outcomes)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures > out[j].Failures
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// remediationAction picks the suggestion for the most actionable
// outcome seen for a role.
func remediationAction(outcomes []string) string {
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		seen[o] = true
	}
	switch {
	case seen[string(router.OutcomeTimeout)]:
		return "raise the role timeout or shrink its context budget"
	case seen[string(router.OutcomeResourceDenied)]:
		return "raise governor capacity or max wait"
	case seen[string(router.OutcomeConfigError)]:
		return "fix the role binding or payload configuration"
	default:
		return "inspect backend logs for the failing role"
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
