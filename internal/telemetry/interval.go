package telemetry

import (
	"fmt"
	"strconv"
	"time"
)

const day = 24 * time.Hour

// ParseInterval parses a sampling interval such as "30s", "5m", "1h" or "1d".
func ParseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("telemetry: invalid interval %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = day
	default:
		return 0, fmt.Errorf("telemetry: invalid interval %q: unit must be s, m, h or d", s)
	}
	digits := s[:len(s)-1]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("telemetry: invalid interval %q", s)
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 || n > 1_000_000 {
		return 0, fmt.Errorf("telemetry: invalid interval %q: must be a positive number", s)
	}
	return time.Duration(n) * unit, nil
}

// FormatInterval renders d in the largest unit that divides it exactly.
func FormatInterval(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%day == 0:
		return strconv.FormatInt(int64(d/day), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatInt(int64(d.Round(time.Second)/time.Second), 10) + "s"
	}
}
