package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Outcome of a permission check.
type Outcome int

const (
	OutcomeDeny Outcome = iota
	OutcomeAllow
	OutcomeAsk
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeAsk:
		return "ask"
	default:
		return "deny"
	}
}

// Scope orders where a rule came from. Session rules are the most specific.
type Scope int

const (
	ScopeProcess Scope = iota
	ScopeProject
	ScopeSession
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeProject:
		return "project"
	default:
		return "process"
	}
}

// ParamConstraint restricts one parameter's value. At most one of the
// constraint kinds is set.
type ParamConstraint struct {
	Param   string
	Pattern *regexp.Regexp
	Enum    []string
	Min     *float64
	Max     *float64
}

// Matches reports whether the constraint holds on the candidate value.
func (c ParamConstraint) Matches(value any) bool {
	if c.Pattern != nil {
		s, ok := value.(string)
		return ok && c.Pattern.MatchString(s)
	}
	if len(c.Enum) > 0 {
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, e := range c.Enum {
			if e == s {
				return true
			}
		}
		return false
	}
	if c.Min != nil || c.Max != nil {
		n, ok := toFloat(value)
		if !ok {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
		return true
	}
	return true
}

// Rule grants or denies one tool, optionally constrained per parameter.
// Tool "*" matches any tool and is forced to the lowest priority.
type Rule struct {
	Tool        string
	Outcome     Outcome
	Priority    int
	Scope       Scope
	Constraints []ParamConstraint
	Rewrites    map[string]any
	Reason      string
}

// Decision is the result of resolving one tool invocation.
type Decision struct {
	Outcome  Outcome
	Reason   string
	Rewrites map[string]any
	Warning  string
}

// PermissionManager resolves tool invocations against rules collected
// across scopes. Safe for concurrent use.
type PermissionManager struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewPermissionManager builds a manager with the given initial rules.
func NewPermissionManager(rules ...Rule) *PermissionManager {
	m := &PermissionManager{}
	for _, r := range rules {
		m.AddRule(r)
	}
	return m
}

// AddRule registers a rule. Wildcard rules are demoted below every named
// rule regardless of their declared priority.
func (m *PermissionManager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// ClearScope drops every rule in the given scope.
func (m *PermissionManager) ClearScope(scope Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rules[:0]
	for _, r := range m.rules {
		if r.Scope != scope {
			kept = append(kept, r)
		}
	}
	m.rules = kept
}

// Resolve runs the resolution algorithm: rules sorted by descending
// priority, first full match wins, Ask adjusted by execution mode, no
// match defaults to Deny.
func (m *PermissionManager) Resolve(tool string, params map[string]any, mode string) Decision {
	m.mu.RLock()
	candidates := make([]Rule, len(m.rules))
	copy(candidates, m.rules)
	m.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := candidates[i].Tool == "*", candidates[j].Tool == "*"
		if wi != wj {
			return !wi
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Scope > candidates[j].Scope
	})

	for _, rule := range candidates {
		if rule.Tool != "*" && rule.Tool != tool {
			continue
		}
		if !constraintsHold(rule.Constraints, params) {
			continue
		}
		return m.applyMode(rule, mode)
	}
	return Decision{Outcome: OutcomeDeny, Reason: fmt.Sprintf("no permission rule matches tool %q", tool)}
}

func (m *PermissionManager) applyMode(rule Rule, mode string) Decision {
	d := Decision{Outcome: rule.Outcome, Reason: rule.Reason, Rewrites: rule.Rewrites}
	if rule.Outcome != OutcomeAsk {
		return d
	}
	switch mode {
	case "auto", "code_orchestrated":
		d.Outcome = OutcomeAllow
		d.Warning = fmt.Sprintf("tool %q auto-approved in %s mode", rule.Tool, mode)
	default:
		d.Outcome = OutcomeDeny
		d.Reason = fmt.Sprintf("tool %q requires confirmation; re-run after approving the action", rule.Tool)
	}
	return d
}

func constraintsHold(constraints []ParamConstraint, params map[string]any) bool {
	for _, c := range constraints {
		value, ok := params[c.Param]
		if !ok {
			return false
		}
		if !c.Matches(value) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
