package output

import (
	"fmt"
	"time"
)

// FormatSize renders bytes in decimal units with one decimal: 999B, 1.5K,
// 2.0M, 7.8G.
func FormatSize(bytes uint64) string {
	const (
		KB = 1_000
		MB = 1_000 * KB
		GB = 1_000 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1fG", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fM", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fK", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}

func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1fGB", float64(bytes)/1_000_000_000)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// truncate shortens s to at most width runes, marking the cut with "~".
// A width of 0 disables truncation.
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "~"
	}
	return string(r[:width-1]) + "~"
}
