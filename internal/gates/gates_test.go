package gates

import (
	"testing"

	"sessiongate/internal/domain"
)

func greenInputs() Inputs {
	return Inputs{
		TaskCounts:  map[string]int{domain.TaskStatusDone: 4},
		TestRun:     &domain.TestRun{Passed: true, Total: 12},
		Coverage:    &domain.CoverageRun{Percent: 91.5},
		MinCoverage: 80,
		Security:    &domain.SecurityCheck{Status: domain.SecurityStatusPass},
	}
}

func checkByName(t *testing.T, v Verdict, name string) Check {
	t.Helper()
	for _, c := range v.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q", name)
	return Check{}
}

func TestEvaluateAllGreen(t *testing.T) {
	v := Evaluate(greenInputs())
	if !v.OK {
		t.Fatalf("expected overall pass, got %+v", v)
	}
	if len(v.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(v.Checks))
	}
	for _, c := range v.Checks {
		if !c.OK {
			t.Errorf("check %s failed: %s", c.Name, c.Reason)
		}
	}
}

func TestEvaluateOpenTasksBlock(t *testing.T) {
	in := greenInputs()
	in.TaskCounts = map[string]int{
		domain.TaskStatusDone:    3,
		domain.TaskStatusPlanned: 1,
		domain.TaskStatusBlocked: 2,
	}
	v := Evaluate(in)
	if v.OK {
		t.Fatal("expected overall failure")
	}
	c := checkByName(t, v, CheckTasks)
	if c.OK {
		t.Fatal("tasks check should fail with open tasks")
	}
	if c.Details["blocked"] != 2 {
		t.Fatalf("details = %v", c.Details)
	}
	if tests := checkByName(t, v, CheckTests); !tests.OK {
		t.Fatal("tests check should still pass")
	}
}

func TestEvaluateMissingTestRun(t *testing.T) {
	in := greenInputs()
	in.TestRun = nil
	v := Evaluate(in)
	if v.OK {
		t.Fatal("expected overall failure")
	}
	c := checkByName(t, v, CheckTests)
	if c.OK || c.Reason != "no_test_run_recorded" {
		t.Fatalf("tests check = %+v", c)
	}
}

func TestEvaluateFailedTests(t *testing.T) {
	in := greenInputs()
	in.TestRun = &domain.TestRun{Passed: false, Total: 10, Failed: 2}
	v := Evaluate(in)
	c := checkByName(t, v, CheckTests)
	if c.OK {
		t.Fatal("tests check should fail")
	}
	if c.Details["failed"] != 2 {
		t.Fatalf("details = %v", c.Details)
	}
}

func TestEvaluateCoverage(t *testing.T) {
	in := greenInputs()
	in.Coverage = &domain.CoverageRun{Percent: 79.9}
	if v := Evaluate(in); v.OK {
		t.Fatal("coverage below minimum should block")
	}

	in.Coverage = &domain.CoverageRun{Percent: 80}
	if v := Evaluate(in); !v.OK {
		t.Fatal("coverage at minimum should pass")
	}

	in.Coverage = nil
	v := Evaluate(in)
	c := checkByName(t, v, CheckCoverage)
	if c.OK || c.Reason != "no_coverage_run_recorded" {
		t.Fatalf("coverage check = %+v", c)
	}
}

func TestEvaluateSecurityAbsentPasses(t *testing.T) {
	in := greenInputs()
	in.Security = nil
	v := Evaluate(in)
	if !v.OK {
		t.Fatalf("absent security check must not block, got %+v", v)
	}
	c := checkByName(t, v, CheckSecurity)
	if !c.OK || c.Details["note"] != "no_security_check_recorded" {
		t.Fatalf("security check = %+v", c)
	}
}

func TestEvaluateSecurityFailBlocks(t *testing.T) {
	in := greenInputs()
	in.Security = &domain.SecurityCheck{Status: domain.SecurityStatusFail}
	v := Evaluate(in)
	if v.OK {
		t.Fatal("failing security check must block")
	}
	c := checkByName(t, v, CheckSecurity)
	if c.OK || c.Details["status"] != domain.SecurityStatusFail {
		t.Fatalf("security check = %+v", c)
	}
}
