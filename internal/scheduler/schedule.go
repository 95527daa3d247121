// Package scheduler runs recurring and one-shot tasks against the store's
// task table, governs failures with cooldowns, and feeds the heartbeat
// checklist source.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindEvery       = "every"
	KindCron        = "cron"
	KindAt          = "at"
	KindEveryAnchor = "every_anchor"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is the tagged union of supported firing rules.
type Schedule struct {
	Kind string

	EverySecs int64     // every, every_anchor
	Anchor    time.Time // every_anchor
	Expr      string    // cron
	Timezone  string    // cron, optional
	When      time.Time // at
}

// scheduleSpec is the stored JSON shape.
type scheduleSpec struct {
	EverySecs int64  `json:"every_secs,omitempty"`
	Anchor    string `json:"anchor,omitempty"`
	Expr      string `json:"expr,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	When      string `json:"when,omitempty"`
}

// ParseSchedule decodes a stored (kind, spec) pair and validates it.
func ParseSchedule(kind, spec string) (Schedule, error) {
	var raw scheduleSpec
	if spec != "" {
		if err := json.Unmarshal([]byte(spec), &raw); err != nil {
			return Schedule{}, fmt.Errorf("decode schedule spec: %w", err)
		}
	}
	s := Schedule{Kind: kind, EverySecs: raw.EverySecs, Expr: raw.Expr, Timezone: raw.Timezone}

	switch kind {
	case KindEvery:
		if s.EverySecs <= 0 {
			return Schedule{}, fmt.Errorf("every schedule needs positive every_secs")
		}
	case KindCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return Schedule{}, fmt.Errorf("parse cron expr %q: %w", s.Expr, err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return Schedule{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
		}
	case KindAt:
		when, err := time.Parse(time.RFC3339, raw.When)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse at time %q: %w", raw.When, err)
		}
		s.When = when
	case KindEveryAnchor:
		if s.EverySecs <= 0 {
			return Schedule{}, fmt.Errorf("every_anchor schedule needs positive every_secs")
		}
		anchor, err := time.Parse(time.RFC3339, raw.Anchor)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse anchor %q: %w", raw.Anchor, err)
		}
		s.Anchor = anchor
	default:
		return Schedule{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
	return s, nil
}

// Spec encodes the schedule back to its stored JSON form.
func (s Schedule) Spec() string {
	raw := scheduleSpec{EverySecs: s.EverySecs, Expr: s.Expr, Timezone: s.Timezone}
	if !s.Anchor.IsZero() {
		raw.Anchor = s.Anchor.Format(time.RFC3339)
	}
	if !s.When.IsZero() {
		raw.When = s.When.Format(time.RFC3339)
	}
	out, _ := json.Marshal(raw)
	return string(out)
}

// OneShot reports whether the schedule fires at most once.
func (s Schedule) OneShot() bool { return s.Kind == KindAt }

// NextRun returns the next firing at or after now. ok is false when the
// schedule is expired, which only happens for one-shots in the past.
func (s Schedule) NextRun(now time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindEvery:
		return now.Add(time.Duration(s.EverySecs) * time.Second), true
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false
		}
		at := now
		if s.Timezone != "" {
			if loc, err := time.LoadLocation(s.Timezone); err == nil {
				at = now.In(loc)
			}
		}
		return sched.Next(at), true
	case KindAt:
		if s.When.Before(now) {
			return time.Time{}, false
		}
		return s.When, true
	case KindEveryAnchor:
		period := time.Duration(s.EverySecs) * time.Second
		if !now.After(s.Anchor) {
			return s.Anchor, true
		}
		elapsed := now.Sub(s.Anchor)
		phases := elapsed / period
		next = s.Anchor.Add((phases + 1) * period)
		return next, true
	default:
		return time.Time{}, false
	}
}
