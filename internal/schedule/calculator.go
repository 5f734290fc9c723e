package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// NextFire computes the next fire instant (in epoch milliseconds) for a
// schedule, given the current time and the job's last run time (nil if it
// has never run). It returns nil when there is no future fire instant:
// an At schedule whose instant has already passed, or an Every schedule
// with a missing or non-positive interval. A Cron schedule that cannot be
// evaluated, or an unknown kind, is reported as an error.
//
// NextFire is pure and side-effect free: same inputs, same output.
func NextFire(s Schedule, nowMS int64, lastRunMS *int64) (*int64, error) {
	switch s.Kind {
	case KindAt:
		return nextAt(s, nowMS), nil

	case KindEvery:
		return nextEvery(s, nowMS, lastRunMS), nil

	case KindCron:
		return nextCron(s, nowMS)

	default:
		return nil, fmt.Errorf("schedule: unknown kind %q", s.Kind)
	}
}

func nextAt(s Schedule, nowMS int64) *int64 {
	if s.AtMS != nil && *s.AtMS > nowMS {
		at := *s.AtMS
		return &at
	}
	return nil
}

func nextEvery(s Schedule, nowMS int64, lastRunMS *int64) *int64 {
	if s.EveryMS == nil || *s.EveryMS <= 0 {
		return nil
	}
	interval := *s.EveryMS

	if lastRunMS == nil {
		// No backfill on first arm: schedule one interval out from now.
		next := nowMS + interval
		return &next
	}

	// Skip any missed slots so a long scheduler outage fires exactly once
	// on restart, not once per missed interval.
	next := *lastRunMS + interval
	for next <= nowMS {
		next += interval
	}
	return &next
}

func nextCron(s Schedule, nowMS int64) (*int64, error) {
	if s.Expression == "" {
		return nil, fmt.Errorf("schedule: cron schedule requires an expression")
	}

	loc, err := time.LoadLocation(s.TZOrDefault())
	if err != nil {
		return nil, fmt.Errorf("schedule: load timezone %q: %w", s.TZOrDefault(), err)
	}
	now := time.UnixMilli(nowMS).In(loc)

	next, err := gronx.NextTickAfter(s.Expression, now, false)
	if err == nil {
		ms := next.UnixMilli()
		return &ms, nil
	}

	// gronx rejects the expression outright — fall back to the two
	// patterns the operational contract guarantees: daily ("m h * * *")
	// and minute-step ("*/n * * * *"). Anything else is an error.
	if ms, ok := cronFallback(s.Expression, now); ok {
		return &ms, nil
	}
	return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", s.Expression, err)
}

// Validate reports whether expression is a cron expression the calculator
// can evaluate — either because gronx accepts it, or because it matches
// one of the two guaranteed fallback shapes.
func Validate(expression string) bool {
	gx := gronx.New()
	if gx.IsValid(expression) {
		return true
	}
	_, ok := cronFallback(expression, time.Now())
	return ok
}

// cronFallback handles the two patterns the system must support even
// without a full cron grammar: daily at a fixed minute/hour, and a
// minute-step interval.
func cronFallback(expression string, now time.Time) (int64, bool) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return 0, false
	}
	minute, hour, day, month, weekday := fields[0], fields[1], fields[2], fields[3], fields[4]

	if day == "*" && month == "*" && weekday == "*" {
		if m, okM := parseUint(minute); okM {
			if h, okH := parseUint(hour); okH && m < 60 && h < 24 {
				next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
				if !next.After(now) {
					next = next.AddDate(0, 0, 1)
				}
				return next.UnixMilli(), true
			}
		}
	}

	if strings.HasPrefix(minute, "*/") && hour == "*" && day == "*" && month == "*" && weekday == "*" {
		step, ok := parseUint(strings.TrimPrefix(minute, "*/"))
		if !ok || step == 0 || step >= 60 {
			return 0, false
		}
		nextMinute := ((now.Minute() / step) + 1) * step
		base := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
		next := base.Add(time.Duration(nextMinute) * time.Minute)
		return next.UnixMilli(), true
	}

	return 0, false
}

func parseUint(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
