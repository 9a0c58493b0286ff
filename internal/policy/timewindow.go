package policy

import (
	"strconv"
	"strings"
	"time"
)

// Time-window condition values look like "Mon,Tue,Wed,Thu,Fri/09:00-17:00":
// a comma-separated list of three-letter weekday abbreviations, a slash,
// and a 24h HH:MM-HH:MM range in UTC. A condition passes if now falls
// inside any one of its windows; the returned expiry is that window's end
// today (used to compute the policy's effective expiration).
var weekdayAbbrev = map[string]time.Weekday{
	"Sun": time.Sunday, "Mon": time.Monday, "Tue": time.Tuesday,
	"Wed": time.Wednesday, "Thu": time.Thursday, "Fri": time.Friday,
	"Sat": time.Saturday,
}

func evalTimeWindows(values []string, now time.Time) (bool, *time.Time) {
	now = now.UTC()
	for _, v := range values {
		days, startMin, endMin, ok := parseWindow(v)
		if !ok {
			continue
		}
		if !dayMatches(days, now.Weekday()) {
			continue
		}
		nowMin := now.Hour()*60 + now.Minute()
		if nowMin < startMin || nowMin >= endMin {
			continue
		}
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
			Add(time.Duration(endMin) * time.Minute)
		return true, &end
	}
	return false, nil
}

func parseWindow(v string) (days []time.Weekday, startMin, endMin int, ok bool) {
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return nil, 0, 0, false
	}
	for _, d := range strings.Split(parts[0], ",") {
		if wd, found := weekdayAbbrev[strings.TrimSpace(d)]; found {
			days = append(days, wd)
		}
	}
	times := strings.SplitN(parts[1], "-", 2)
	if len(times) != 2 {
		return nil, 0, 0, false
	}
	startMin, err1 := parseHHMM(times[0])
	endMin, err2 := parseHHMM(times[1])
	if err1 != nil || err2 != nil {
		return nil, 0, 0, false
	}
	return days, startMin, endMin, true
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, strconv.ErrSyntax
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func dayMatches(days []time.Weekday, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}
