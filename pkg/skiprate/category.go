package skiprate

import (
	"fmt"
	"time"
)

// PerformanceCategory is an ordinal bucket of a validator's skip rate.
// Lower values are better.
type PerformanceCategory int

// Performance categories in order of increasing skip rate.
const (
	CategoryPerfect PerformanceCategory = iota
	CategoryExcellent
	CategoryGood
	CategoryAverage
	CategoryConcerning
	CategoryPoor
	CategoryCritical
	CategoryOffline
)

// Upper bounds, inclusive, of the graded categories.
const (
	ExcellentMaxSkipRate  = 1.0
	GoodMaxSkipRate       = 3.0
	AverageMaxSkipRate    = 5.0
	ConcerningMaxSkipRate = 10.0
	PoorMaxSkipRate       = 25.0
)

var categoryNames = [...]string{
	CategoryPerfect:    "perfect",
	CategoryExcellent:  "excellent",
	CategoryGood:       "good",
	CategoryAverage:    "average",
	CategoryConcerning: "concerning",
	CategoryPoor:       "poor",
	CategoryCritical:   "critical",
	CategoryOffline:    "offline",
}

var categoryLabels = [...]string{
	CategoryPerfect:    "Perfect (0%)",
	CategoryExcellent:  "Excellent (0-1%)",
	CategoryGood:       "Good (1-3%)",
	CategoryAverage:    "Average (3-5%)",
	CategoryConcerning: "Concerning (5-10%)",
	CategoryPoor:       "Poor (10-25%)",
	CategoryCritical:   "Critical (25-100%)",
	CategoryOffline:    "Offline (100%)",
}

var categoryColors = [...]string{
	CategoryPerfect:    "#10B981",
	CategoryExcellent:  "#34D399",
	CategoryGood:       "#6EE7B7",
	CategoryAverage:    "#FCD34D",
	CategoryConcerning: "#F59E0B",
	CategoryPoor:       "#F97316",
	CategoryCritical:   "#EF4444",
	CategoryOffline:    "#7F1D1D",
}

// Categorize maps a skip rate to its category:
//
//	0         Perfect
//	(0, 1]    Excellent
//	(1, 3]    Good
//	(3, 5]    Average
//	(5, 10]   Concerning
//	(10, 25]  Poor
//	(25, 100) Critical
//	100       Offline
func Categorize(skipRatePercent float64) PerformanceCategory {
	switch {
	case skipRatePercent <= 0:
		return CategoryPerfect
	case skipRatePercent <= ExcellentMaxSkipRate:
		return CategoryExcellent
	case skipRatePercent <= GoodMaxSkipRate:
		return CategoryGood
	case skipRatePercent <= AverageMaxSkipRate:
		return CategoryAverage
	case skipRatePercent <= ConcerningMaxSkipRate:
		return CategoryConcerning
	case skipRatePercent <= PoorMaxSkipRate:
		return CategoryPoor
	case skipRatePercent < OfflineSkipRate:
		return CategoryCritical
	default:
		return CategoryOffline
	}
}

// String returns the category's machine name.
func (c PerformanceCategory) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// Label returns a display label including the skip-rate range.
func (c PerformanceCategory) Label() string {
	if c < 0 || int(c) >= len(categoryLabels) {
		return c.String()
	}
	return categoryLabels[c]
}

// Color returns the hex color used when plotting the category.
func (c PerformanceCategory) Color() string {
	if c < 0 || int(c) >= len(categoryColors) {
		return "#6B7280"
	}
	return categoryColors[c]
}

// MarshalText implements encoding.TextMarshaler.
func (c PerformanceCategory) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(categoryNames) {
		return nil, fmt.Errorf("unknown performance category %d", int(c))
	}
	return []byte(categoryNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *PerformanceCategory) UnmarshalText(text []byte) error {
	for i, name := range categoryNames {
		if name == string(text) {
			*c = PerformanceCategory(i)
			return nil
		}
	}
	return fmt.Errorf("unknown performance category %q", text)
}

// PerformanceSnapshot is a validator's categorized performance at one fetch.
type PerformanceSnapshot struct {
	Timestamp       time.Time           `json:"timestamp"`
	Pubkey          string              `json:"pubkey"`
	SkipRatePercent float64             `json:"skip_rate_percent"`
	LeaderSlots     uint64              `json:"leader_slots"`
	Category        PerformanceCategory `json:"category"`
}

// BuildPerformanceSnapshots categorizes every record at timestamp ts.
func BuildPerformanceSnapshots(records []ValidatorRecord, ts time.Time) []PerformanceSnapshot {
	out := make([]PerformanceSnapshot, len(records))
	for i, r := range records {
		out[i] = PerformanceSnapshot{
			Timestamp:       ts,
			Pubkey:          r.Pubkey,
			SkipRatePercent: r.SkipRatePercent,
			LeaderSlots:     r.LeaderSlots,
			Category:        Categorize(r.SkipRatePercent),
		}
	}
	return out
}
