package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Daily returns a NextFunc firing every day at timeOfDay ("HH:MM") in the
// location of the time it is given.
func Daily(timeOfDay string) (NextFunc, error) {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}
	return func(now time.Time) time.Time {
		nextRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !nextRun.After(now) {
			nextRun = nextRun.AddDate(0, 0, 1)
		}
		return nextRun
	}, nil
}

// Aligned returns a NextFunc firing delay past every multiple of period,
// e.g. HH:10 for an hourly period and a ten-minute delay.
func Aligned(period, delay time.Duration) NextFunc {
	return func(now time.Time) time.Time {
		nextRun := now.Truncate(period).Add(delay)
		for !nextRun.After(now) {
			nextRun = nextRun.Add(period)
		}
		return nextRun
	}
}

func parseTimeOfDay(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q; use HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
