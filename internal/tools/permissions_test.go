package tools

import (
	"regexp"
	"testing"
)

func TestResolve_DefaultDeny(t *testing.T) {
	m := NewPermissionManager()
	d := m.Resolve("anything", nil, "react")
	if d.Outcome != OutcomeDeny {
		t.Fatalf("no rules must deny, got %v", d.Outcome)
	}
}

func TestResolve_PriorityWins(t *testing.T) {
	m := NewPermissionManager(
		Rule{Tool: "workspace_shell", Outcome: OutcomeDeny, Priority: 1, Scope: ScopeProcess},
		Rule{Tool: "workspace_shell", Outcome: OutcomeAllow, Priority: 10, Scope: ScopeSession},
	)
	d := m.Resolve("workspace_shell", nil, "react")
	if d.Outcome != OutcomeAllow {
		t.Fatalf("higher priority allow should win, got %v", d.Outcome)
	}
}

func TestResolve_WildcardLowestPriority(t *testing.T) {
	m := NewPermissionManager(
		Rule{Tool: "*", Outcome: OutcomeAllow, Priority: 100, Scope: ScopeProcess},
		Rule{Tool: "workspace_shell", Outcome: OutcomeDeny, Priority: 1, Scope: ScopeProcess},
	)
	d := m.Resolve("workspace_shell", nil, "react")
	if d.Outcome != OutcomeDeny {
		t.Fatalf("named rule must beat wildcard regardless of priority, got %v", d.Outcome)
	}
	// The wildcard still covers tools with no named rule.
	if d := m.Resolve("other_tool", nil, "react"); d.Outcome != OutcomeAllow {
		t.Fatalf("wildcard should cover unnamed tools, got %v", d.Outcome)
	}
}

func TestResolve_AskByMode(t *testing.T) {
	m := NewPermissionManager(
		Rule{Tool: "deploy", Outcome: OutcomeAsk, Priority: 5, Scope: ScopeProject},
	)

	d := m.Resolve("deploy", nil, "auto")
	if d.Outcome != OutcomeAllow {
		t.Fatalf("ask should upgrade to allow in auto mode, got %v", d.Outcome)
	}
	if d.Warning == "" {
		t.Fatalf("auto-approved ask must carry a warning")
	}

	d = m.Resolve("deploy", nil, "react")
	if d.Outcome != OutcomeDeny {
		t.Fatalf("ask should downgrade to deny in react mode, got %v", d.Outcome)
	}
	if d.Reason == "" {
		t.Fatalf("downgraded ask must explain itself")
	}
}

func TestResolve_RegexConstraint(t *testing.T) {
	m := NewPermissionManager(
		Rule{
			Tool:     "workspace_shell",
			Outcome:  OutcomeAllow,
			Priority: 5,
			Constraints: []ParamConstraint{
				{Param: "command", Pattern: regexp.MustCompile(`^git\s`)},
			},
		},
	)
	if d := m.Resolve("workspace_shell", map[string]any{"command": "git status"}, "react"); d.Outcome != OutcomeAllow {
		t.Fatalf("matching constraint should allow, got %v", d.Outcome)
	}
	if d := m.Resolve("workspace_shell", map[string]any{"command": "curl evil"}, "react"); d.Outcome != OutcomeDeny {
		t.Fatalf("non-matching constraint should fall through to deny, got %v", d.Outcome)
	}
}

func TestResolve_EnumAndRangeConstraints(t *testing.T) {
	min, max := 1.0, 10.0
	m := NewPermissionManager(
		Rule{
			Tool:     "scale",
			Outcome:  OutcomeAllow,
			Priority: 5,
			Constraints: []ParamConstraint{
				{Param: "env", Enum: []string{"dev", "staging"}},
				{Param: "replicas", Min: &min, Max: &max},
			},
		},
	)
	ok := map[string]any{"env": "dev", "replicas": 3.0}
	if d := m.Resolve("scale", ok, "react"); d.Outcome != OutcomeAllow {
		t.Fatalf("valid params should allow, got %v", d.Outcome)
	}
	bad := map[string]any{"env": "prod", "replicas": 3.0}
	if d := m.Resolve("scale", bad, "react"); d.Outcome != OutcomeDeny {
		t.Fatalf("enum violation should deny, got %v", d.Outcome)
	}
	over := map[string]any{"env": "dev", "replicas": 50.0}
	if d := m.Resolve("scale", over, "react"); d.Outcome != OutcomeDeny {
		t.Fatalf("range violation should deny, got %v", d.Outcome)
	}
}

func TestResolve_MissingConstrainedParamDenies(t *testing.T) {
	m := NewPermissionManager(
		Rule{
			Tool:     "scale",
			Outcome:  OutcomeAllow,
			Priority: 5,
			Constraints: []ParamConstraint{
				{Param: "env", Enum: []string{"dev"}},
			},
		},
	)
	if d := m.Resolve("scale", map[string]any{}, "react"); d.Outcome != OutcomeDeny {
		t.Fatalf("rule with unmet constraint must not match, got %v", d.Outcome)
	}
}

func TestClearScope(t *testing.T) {
	m := NewPermissionManager(
		Rule{Tool: "a", Outcome: OutcomeAllow, Priority: 5, Scope: ScopeSession},
		Rule{Tool: "a", Outcome: OutcomeDeny, Priority: 1, Scope: ScopeProcess},
	)
	m.ClearScope(ScopeSession)
	if d := m.Resolve("a", nil, "react"); d.Outcome != OutcomeDeny {
		t.Fatalf("after clearing session scope the process rule should apply, got %v", d.Outcome)
	}
}
