package shared

import (
	"fmt"
	"strconv"
)

// FormatXP renders an XP amount for display: 999, 1.2K, 45.3K, 1.1M.
func FormatXP(xp int64) string {
	switch {
	case xp < 1000:
		return strconv.FormatInt(xp, 10)
	case xp < 1_000_000:
		return fmt.Sprintf("%.1fK", float64(xp)/1000)
	default:
		return fmt.Sprintf("%.1fM", float64(xp)/1_000_000)
	}
}

// Percent returns part/whole*100 clamped to [0, 100]. A non-positive whole
// yields 0.
func Percent(part, whole int64) float64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	if part >= whole {
		return 100
	}
	return float64(part) / float64(whole) * 100
}
