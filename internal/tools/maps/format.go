package maps

import (
	"fmt"
	"math"
	"strconv"
)

// FormatDistance renders meters as "950 m" or "1.5 km".
func FormatDistance(meters float64) string {
	if meters >= 1000 {
		return strconv.FormatFloat(meters/1000, 'f', 1, 64) + " km"
	}
	return fmt.Sprintf("%d m", int64(math.Floor(meters+0.5)))
}

// FormatDuration renders seconds as "2 min" or "1 hr 7 min".
func FormatDuration(seconds float64) string {
	hours := int64(math.Floor(seconds / 3600))
	minutes := int64(math.Floor(math.Mod(seconds, 3600)/60 + 0.5))
	if hours > 0 {
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	return fmt.Sprintf("%d min", minutes)
}
