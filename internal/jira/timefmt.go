package jira

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FormatTimeSpent renders a duration in Jira worklog notation, e.g. "1h 30m".
// Anything under a minute rounds up to "1m", the tracker's minimum.
func FormatTimeSpent(d time.Duration) string {
	minutes := int(d.Minutes())
	if minutes <= 0 {
		return "1m"
	}

	hours := minutes / 60
	minutes = minutes % 60

	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

var timeSpentPattern = regexp.MustCompile(`(\d+)([dhm])`)

// ParseTimeSpent converts Jira worklog notation back to a duration. Days
// count as eight working hours. Unparseable input yields the one minute
// minimum.
func ParseTimeSpent(s string) time.Duration {
	var total time.Duration

	for _, m := range timeSpentPattern.FindAllStringSubmatch(strings.ToLower(s), -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "d":
			total += time.Duration(n) * 8 * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		}
	}

	if total < time.Minute {
		return time.Minute
	}
	return total
}
