package schema

import (
	"strconv"
	"strings"
	"time"
)

// DefaultTimeoutSeconds is used when a timeout string is empty or
// unparseable. A missing timeout must never hang a workflow forever,
// so bad input degrades to one hour instead of failing.
const DefaultTimeoutSeconds = 3600

var timeoutUnits = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseTimeout converts a "<number><unit>" duration string into seconds.
// Unit is one of s, m, h, d; a bare number is treated as seconds.
// Empty or unparseable input returns DefaultTimeoutSeconds.
func ParseTimeout(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultTimeoutSeconds
	}

	mult := int64(1)
	if m, ok := timeoutUnits[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 {
		return DefaultTimeoutSeconds
	}
	return int64(n * float64(mult))
}

// TimeoutDuration is ParseTimeout as a time.Duration.
func TimeoutDuration(s string) time.Duration {
	return time.Duration(ParseTimeout(s)) * time.Second
}
