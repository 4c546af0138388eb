package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
type schedule [5]field

// field is the set of values one cron field matches.
type field map[int]bool

var fieldBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

// parseSchedule accepts "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those in each field.
func parseSchedule(expr string) (schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return schedule{}, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(parts))
	}
	var s schedule
	for i, p := range parts {
		f, err := parseField(p, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("cron field %d %q: %w", i+1, p, err)
		}
		s[i] = f
	}
	return s, nil
}

func parseField(spec string, lo, hi int) (field, error) {
	f := make(field)
	for _, term := range strings.Split(spec, ",") {
		rng, stepStr, hasStep := strings.Cut(term, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid value %q", b)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rng)
			}
			from, to = v, v
			if hasStep {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("range %d-%d outside %d-%d", from, to, lo, hi)
		}
		for v := from; v <= to; v += step {
			f[v] = true
		}
	}
	return f, nil
}

func (s schedule) matches(t time.Time) bool {
	return s[0][t.Minute()] &&
		s[1][t.Hour()] &&
		s[2][t.Day()] &&
		s[3][int(t.Month())] &&
		s[4][int(t.Weekday())]
}

// next returns the first minute strictly after after that matches s,
// searching at most one year ahead.
func (s schedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}
