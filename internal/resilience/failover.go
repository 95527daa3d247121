package resilience

import "strings"

// FailureClass buckets an upstream failure for the failover decision.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureRetryable
	FailureQuotaExceeded
	FailureAuthFailure
	FailureFatal
)

func (c FailureClass) String() string {
	switch c {
	case FailureRetryable:
		return "retryable"
	case FailureQuotaExceeded:
		return "quota_exceeded"
	case FailureAuthFailure:
		return "auth_failure"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps (status, message) to a failure class. Rate-limit wording in
// the message wins over the status code, so a provider that signals quota
// exhaustion with a 403 still triggers failover.
func Classify(status int, message string) FailureClass {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota exceeded") {
		return FailureQuotaExceeded
	}
	switch status {
	case 429:
		return FailureQuotaExceeded
	case 401, 403:
		return FailureAuthFailure
	case 408, 500, 502, 503, 504:
		return FailureRetryable
	case 400, 404, 422:
		return FailureFatal
	default:
		if status >= 500 {
			return FailureRetryable
		}
		return FailureUnknown
	}
}

// Action is what the dispatcher does after a failed inner retry loop.
type Action int

const (
	ActionStay Action = iota
	ActionSwitch
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionStay:
		return "stay"
	case ActionSwitch:
		return "switch"
	default:
		return "give_up"
	}
}

// Decision is the failover outcome for one failure.
type Decision struct {
	Action       Action
	NextProvider string
	Class        FailureClass
}

// FailoverPolicy decides whether a failure warrants switching providers.
type FailoverPolicy struct{}

// HandleFailure picks the dispatcher's next move. Quota, auth, and exhausted
// retryable failures switch when another provider is available; fatal
// failures give up immediately.
func (FailoverPolicy) HandleFailure(currentProvider string, status int, message string, available []string) Decision {
	class := Classify(status, message)
	switch class {
	case FailureFatal:
		return Decision{Action: ActionGiveUp, Class: class}
	case FailureQuotaExceeded, FailureAuthFailure, FailureRetryable, FailureUnknown:
		next := nextProvider(currentProvider, available)
		if next == "" {
			return Decision{Action: ActionGiveUp, Class: class}
		}
		return Decision{Action: ActionSwitch, NextProvider: next, Class: class}
	default:
		return Decision{Action: ActionGiveUp, Class: class}
	}
}

// nextProvider returns the first provider after current in ring order, or
// "" when current is the only entry.
func nextProvider(current string, available []string) string {
	if len(available) == 0 {
		return ""
	}
	idx := -1
	for i, p := range available {
		if p == current {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Current not in the list, start from the top.
		return available[0]
	}
	for i := 1; i < len(available); i++ {
		candidate := available[(idx+i)%len(available)]
		if candidate != current {
			return candidate
		}
	}
	return ""
}
