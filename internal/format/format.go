// Package format renders raw counters as the human-scaled strings shown
// on the dashboard. Formatted strings are presentation-only; API
// responses always carry the raw integer alongside them.
package format

import (
	"fmt"
	"time"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// HumanBytes renders a byte count on the binary scale with three
// decimals, e.g. 1536 -> "1.500 KB". Negative input returns an error.
func HumanBytes(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("format: negative byte count %d", n)
	}
	switch {
	case n >= gib:
		return fmt.Sprintf("%.3f GB", float64(n)/gib), nil
	case n >= mib:
		return fmt.Sprintf("%.3f MB", float64(n)/mib), nil
	case n >= kib:
		return fmt.Sprintf("%.3f KB", float64(n)/kib), nil
	default:
		return fmt.Sprintf("%d B", n), nil
	}
}

// HumanCount renders a count on the decimal scale with two decimals
// above 1000, e.g. 1500 -> "1.50K", 999 -> "999". Negative input
// returns an error.
func HumanCount(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("format: negative count %d", n)
	}
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9), nil
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6), nil
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3), nil
	default:
		return fmt.Sprintf("%d", n), nil
	}
}

// HumanDuration renders a window length in fractional hours, e.g.
// a 7-day window -> "168.0h".
func HumanDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fh", d.Hours())
}
