// Package gates evaluates readiness checks for a session. Each check is
// computed from the latest recorded signals and the verdict is the AND of
// all checks. Evaluation is pure: callers load the inputs, this package
// never touches the database.
package gates

import (
	"fmt"

	"sessiongate/internal/domain"
)

const (
	CheckTasks    = "tasks"
	CheckTests    = "tests"
	CheckCoverage = "coverage"
	CheckSecurity = "security"
)

type Inputs struct {
	TaskCounts  map[string]int
	TestRun     *domain.TestRun
	Coverage    *domain.CoverageRun
	MinCoverage float64
	Security    *domain.SecurityCheck
}

type Check struct {
	Name    string         `json:"name"`
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Verdict struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

func Evaluate(in Inputs) Verdict {
	checks := []Check{
		evalTasks(in.TaskCounts),
		evalTests(in.TestRun),
		evalCoverage(in.Coverage, in.MinCoverage),
		evalSecurity(in.Security),
	}
	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
		}
	}
	return Verdict{OK: ok, Checks: checks}
}

func evalTasks(counts map[string]int) Check {
	open := counts[domain.TaskStatusPlanned] + counts[domain.TaskStatusDoing] + counts[domain.TaskStatusBlocked]
	c := Check{
		Name: CheckTasks,
		OK:   open == 0,
		Details: map[string]any{
			"planned": counts[domain.TaskStatusPlanned],
			"doing":   counts[domain.TaskStatusDoing],
			"done":    counts[domain.TaskStatusDone],
			"blocked": counts[domain.TaskStatusBlocked],
		},
	}
	if !c.OK {
		c.Reason = fmt.Sprintf("%d tasks not done", open)
	}
	return c
}

func evalTests(run *domain.TestRun) Check {
	if run == nil {
		return Check{Name: CheckTests, Reason: "no_test_run_recorded"}
	}
	c := Check{
		Name: CheckTests,
		OK:   run.Passed,
		Details: map[string]any{
			"total":  run.Total,
			"failed": run.Failed,
		},
	}
	if !c.OK {
		c.Reason = fmt.Sprintf("%d of %d tests failed", run.Failed, run.Total)
	}
	return c
}

func evalCoverage(run *domain.CoverageRun, min float64) Check {
	if run == nil {
		return Check{Name: CheckCoverage, Reason: "no_coverage_run_recorded"}
	}
	c := Check{
		Name: CheckCoverage,
		OK:   run.Percent >= min,
		Details: map[string]any{
			"percent": run.Percent,
			"minimum": min,
		},
	}
	if !c.OK {
		c.Reason = fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", run.Percent, min)
	}
	return c
}

// A session with no security check on record passes the security gate.
// Only an explicit failing check blocks.
func evalSecurity(check *domain.SecurityCheck) Check {
	if check == nil {
		return Check{
			Name:    CheckSecurity,
			OK:      true,
			Details: map[string]any{"note": "no_security_check_recorded"},
		}
	}
	c := Check{
		Name:    CheckSecurity,
		OK:      check.Status == domain.SecurityStatusPass,
		Details: map[string]any{"status": check.Status},
	}
	if !c.OK {
		c.Reason = "latest security check failed"
	}
	return c
}
