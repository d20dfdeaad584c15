package model

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// Timestamps outside this window are treated as malformed
var (
	minTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParseTimestamp parses the timestamp formats emitted by the platform.
// Numeric values are treated as unix seconds, or milliseconds when large.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return plausible(t.UTC())
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		if n >= float64(maxTimestamp.UnixMilli()) {
			return time.Time{}, false
		}
		return plausible(time.UnixMilli(int64(n)).UTC())
	}
	if n >= float64(maxTimestamp.Unix()) {
		return time.Time{}, false
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return plausible(time.Unix(sec, nsec).UTC())
}

func plausible(t time.Time) (time.Time, bool) {
	if t.Before(minTimestamp) || !t.Before(maxTimestamp) {
		return time.Time{}, false
	}
	return t, true
}
