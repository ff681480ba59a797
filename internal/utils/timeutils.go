package utils

import (
	"fmt"
	"strings"
	"time"
)

var baseTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseBaseTime accepts RFC3339 or a zone-less ISO timestamp, which is read
// as UTC.
func ParseBaseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range baseTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: expected RFC3339 or YYYY-MM-DDTHH:MM:SS", value)
}

// AlignToStep truncates t to a multiple of step since the Unix epoch.
func AlignToStep(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(step)
}
