// Package recurrence models the closed set of recurrence rules a task
// template can carry and decides which calendar days a rule applies to.
package recurrence

import (
	"errors"
	"time"

	"github.com/taskday/project/internal/datekey"
)

type Kind string

const (
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
	KindOnce   Kind = "once"
)

var (
	ErrUnknownKind     = errors.New("unknown recurrence kind")
	ErrEmptyWeekdaySet = errors.New("weekly recurrence requires at least one day of week")
	ErrInvalidWeekday  = errors.New("days of week must be between 0 (Sunday) and 6 (Saturday)")
	ErrInvalidDate     = errors.New("once recurrence requires a YYYY-MM-DD start date")
)

// Rule is a tagged recurrence variant. DaysOfWeek is meaningful only for
// weekly rules and StartDate only for once rules.
type Rule struct {
	Kind       Kind   `json:"type"`
	DaysOfWeek []int  `json:"daysOfWeek,omitempty"`
	StartDate  string `json:"startDate,omitempty"`
}

func Daily() Rule {
	return Rule{Kind: KindDaily}
}

func Weekly(daysOfWeek ...int) Rule {
	return Rule{Kind: KindWeekly, DaysOfWeek: daysOfWeek}
}

func Once(startDate string) Rule {
	return Rule{Kind: KindOnce, StartDate: startDate}
}

// Matches reports whether the rule applies to the given calendar day.
// It never fails: malformed or unknown rules simply do not match.
func (r Rule) Matches(day time.Time) bool {
	switch r.Kind {
	case KindDaily:
		return true
	case KindOnce:
		return r.StartDate == datekey.Day(day)
	case KindWeekly:
		weekday := datekey.Weekday(day)
		for _, d := range r.DaysOfWeek {
			if d == weekday {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Validate checks the invariants enforced at template creation time.
// Rules are not re-validated afterwards.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindDaily:
		return nil
	case KindWeekly:
		if len(r.DaysOfWeek) == 0 {
			return ErrEmptyWeekdaySet
		}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return ErrInvalidWeekday
			}
		}
		return nil
	case KindOnce:
		if !datekey.IsValid(r.StartDate) {
			return ErrInvalidDate
		}
		return nil
	default:
		return ErrUnknownKind
	}
}
