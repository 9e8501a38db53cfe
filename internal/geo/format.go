package geo

import (
	"fmt"
	"math"
	"time"
)

// invalidText is returned by the formatters for non-finite or negative input.
const invalidText = "--"

// FormatDistance renders meters as "850m" below one kilometer and "1.5km" above.
func FormatDistance(meters float64) string {
	if !finite(meters) || meters < 0 {
		return invalidText
	}
	if rounded := math.Round(meters); rounded < 1000 {
		return fmt.Sprintf("%dm", int(rounded))
	}
	return fmt.Sprintf("%.1fkm", meters/1000)
}

// FormatDuration renders d as "1h 5m", "1m 30s" or "45s". Hours only appear
// for durations of at least one hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return invalidText
	}

	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
