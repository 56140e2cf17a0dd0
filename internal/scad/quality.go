package scad

import (
	"fmt"
	"sort"
)

// QualityTier maps pendants up to MaxHeight millimetres to a $fn segment
// count. A tier with MaxHeight 0 matches every height and must come last.
type QualityTier struct {
	MaxHeight float64 `yaml:"max_height"`
	Segments  int     `yaml:"segments"`
}

// QualityTiers is ordered by ascending MaxHeight. Small pendants get finer
// tessellation; large ones render faster at a coarser setting.
type QualityTiers []QualityTier

// DefaultQualityTiers: ≤20 mm → 64, ≤25 mm → 56, larger → 48.
func DefaultQualityTiers() QualityTiers {
	return QualityTiers{
		{MaxHeight: 20, Segments: 64},
		{MaxHeight: 25, Segments: 56},
		{MaxHeight: 0, Segments: 48},
	}
}

// SegmentsFor returns the segment count for a pendant of the given height.
func (q QualityTiers) SegmentsFor(height float64) int {
	for _, t := range q {
		if t.MaxHeight == 0 || height <= t.MaxHeight {
			return t.Segments
		}
	}
	if len(q) > 0 {
		return q[len(q)-1].Segments
	}
	return FusionSegments
}

// Validate checks ordering and segment counts.
func (q QualityTiers) Validate() error {
	if len(q) == 0 {
		return fmt.Errorf("at least one quality tier is required")
	}
	for i, t := range q {
		if t.Segments < 3 {
			return fmt.Errorf("tier %d: segments must be at least 3, got %d", i, t.Segments)
		}
		if t.MaxHeight < 0 {
			return fmt.Errorf("tier %d: max height must not be negative", i)
		}
		if t.MaxHeight == 0 && i != len(q)-1 {
			return fmt.Errorf("tier %d: open-ended tier must be last", i)
		}
	}
	bounded := q
	if q[len(q)-1].MaxHeight == 0 {
		bounded = q[:len(q)-1]
	}
	if !sort.SliceIsSorted(bounded, func(i, j int) bool { return bounded[i].MaxHeight < bounded[j].MaxHeight }) {
		return fmt.Errorf("tiers must be ordered by ascending max height")
	}
	for i := 1; i < len(bounded); i++ {
		if bounded[i].MaxHeight == bounded[i-1].MaxHeight {
			return fmt.Errorf("tier %d: duplicate max height %v", i, bounded[i].MaxHeight)
		}
	}
	return nil
}
