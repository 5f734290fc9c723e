package schedule

import (
	"fmt"
	"time"
)

// Describe renders a schedule as a short human-readable string for CLI
// table output.
func Describe(s Schedule) string {
	switch s.Kind {
	case KindAt:
		if s.AtMS == nil {
			return "at: (unset)"
		}
		return fmt.Sprintf("once at %s", time.UnixMilli(*s.AtMS).Format(time.RFC3339))

	case KindEvery:
		if s.EveryMS == nil {
			return "every: (unset)"
		}
		return fmt.Sprintf("every %s", time.Duration(*s.EveryMS)*time.Millisecond)

	case KindCron:
		return fmt.Sprintf("cron %q (%s)", s.Expression, s.TZOrDefault())

	default:
		return fmt.Sprintf("unknown schedule kind %q", s.Kind)
	}
}
