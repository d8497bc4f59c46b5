package results

import (
	"sort"
	"strconv"
	"strings"
)

// criticalBand widens the reference range by this fraction of its width
// on each side; values beyond the widened bounds flag as critical.
const criticalBand = 0.5

// ComputeFlag grades a submitted value against a "low-high" reference
// range. Non-numeric values and unparseable ranges carry no flag.
func ComputeFlag(value, referenceRange string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return ""
	}
	low, high, ok := parseRange(referenceRange)
	if !ok {
		return ""
	}
	width := high - low
	switch {
	case v < low-width*criticalBand || v > high+width*criticalBand:
		return FlagCritical
	case v > high:
		return FlagHigh
	case v < low:
		return FlagLow
	default:
		return ""
	}
}

func parseRange(referenceRange string) (low, high float64, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(referenceRange), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	low, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	high, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || high <= low {
		return 0, 0, false
	}
	return low, high, true
}

// SortQueue orders pending results for the verification queue: critical
// first, then by order priority, then oldest entry first. Called on
// every read so the ordering is never cached.
func SortQueue(items []*Result) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.CriticalFlag != b.CriticalFlag {
			return a.CriticalFlag
		}
		if a.PriorityLevel != b.PriorityLevel {
			return a.PriorityLevel > b.PriorityLevel
		}
		return a.EnteredAt.Before(b.EnteredAt)
	})
}
