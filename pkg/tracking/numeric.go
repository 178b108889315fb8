package tracking

import (
	"math"
	"strconv"
)

// ParseNumber reports whether a scalar rendered by the reporter is a finite
// number. NaN and infinity spellings are treated as text.
func ParseNumber(value string) (float64, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
