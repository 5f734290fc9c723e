package schedule

import (
	"strings"
	"testing"
	"time"
)

func TestDescribe(t *testing.T) {
	at := ms(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	every := int64(45_000)

	cases := []struct {
		name string
		s    Schedule
		want string
	}{
		{"at", Schedule{Kind: KindAt, AtMS: &at}, "once at"},
		{"every", Schedule{Kind: KindEvery, EveryMS: &every}, "every"},
		{"cron", Schedule{Kind: KindCron, Expression: "0 9 * * *"}, "cron"},
		{"unknown", Schedule{Kind: "bogus"}, "unknown"},
	}
	for _, c := range cases {
		got := Describe(c.s)
		if !strings.Contains(got, c.want) {
			t.Errorf("Describe(%s) = %q, want substring %q", c.name, got, c.want)
		}
	}
}
