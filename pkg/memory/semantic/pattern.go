// Package semantic derives frequency-classified behavioral patterns
// from the episodic record log.
package semantic

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Category classifies the kind of behavior a pattern describes.
type Category string

const (
	CategoryPreference  Category = "preference"
	CategoryCodePattern Category = "code_pattern"
	CategoryAntiPattern Category = "anti_pattern"
)

// Strength is the ordinal classification of a pattern's occurrence
// count.
type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthEmerging Strength = "emerging"
	StrengthStrong   Strength = "strong"
	StrengthCritical Strength = "critical"
)

// Rank orders strengths; higher is stronger.
func (s Strength) Rank() int {
	switch s {
	case StrengthCritical:
		return 3
	case StrengthStrong:
		return 2
	case StrengthEmerging:
		return 1
	default:
		return 0
	}
}

// Pattern is a derived recurring description with its supporting
// evidence. Patterns are recomputed wholesale on every extraction run
// and have no identity across runs beyond their deterministic id.
type Pattern struct {
	ID          string    `json:"pattern_id"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Strength    Strength  `json:"strength"`
	Occurrences int       `json:"occurrences"`
	Evidence    []string  `json:"evidence"`
	DetectedAt  time.Time `json:"detected_at"`
}

// PatternID derives a stable identifier from category and description:
// a category prefix plus the xxhash64 of "category:description" in hex.
// Identical inputs yield identical ids across runs and processes.
func PatternID(c Category, description string) string {
	h := xxhash.Sum64String(string(c) + ":" + description)
	return fmt.Sprintf("%s_%016x", idPrefix(c), h)
}

func idPrefix(c Category) string {
	switch c {
	case CategoryPreference:
		return "pref"
	case CategoryCodePattern:
		return "code"
	case CategoryAntiPattern:
		return "anti"
	default:
		return "pat"
	}
}

// Thresholds hold the minimum occurrence counts per strength tier.
// Ordering (Emerging <= Strong <= Critical) is validated at
// configuration load time, not re-checked here.
type Thresholds struct {
	Emerging int
	Strong   int
	Critical int
}

// DefaultThresholds mirror the documented configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Emerging: 2, Strong: 3, Critical: 5}
}

// Classify maps an occurrence count to a strength tier. Counts below
// the emerging threshold classify as weak; the extraction filter
// excludes those entirely, so weak never appears in extraction output.
func (t Thresholds) Classify(occurrences int) Strength {
	switch {
	case occurrences >= t.Critical:
		return StrengthCritical
	case occurrences >= t.Strong:
		return StrengthStrong
	case occurrences >= t.Emerging:
		return StrengthEmerging
	default:
		return StrengthWeak
	}
}
