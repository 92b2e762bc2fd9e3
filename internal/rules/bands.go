package rules

import (
	"fmt"
	"math"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// MatchBand returns the index of the band containing aggregate.
// Bands are scanned in order: lower inclusive, upper exclusive, except the
// terminal band which takes every aggregate at or above its lower limit.
func MatchBand(aggregate float64, bands []domain.Band) (int, bool) {
	last := len(bands) - 1
	for i := range bands {
		band := &bands[i]
		if !(aggregate >= band.LowerBound()) {
			continue
		}
		if i == last || aggregate < band.UpperBound() {
			return i, true
		}
	}
	return -1, false
}

// CheckBands verifies that bands form an ordered, contiguous partition
// covering reach. It returns one message per problem.
func CheckBands(bands []domain.Band, reach domain.AggregateRange) []string {
	if len(bands) == 0 {
		return []string{"at least one band is required"}
	}

	var problems []string
	last := len(bands) - 1

	for i := range bands {
		b := &bands[i]
		if b.Label == "" {
			problems = append(problems, fmt.Sprintf("band %d: label is required", i))
		}
		if !b.Severity.Valid() {
			problems = append(problems, fmt.Sprintf("band %d (%s): severity is required", i, b.Label))
		}
		if b.Lower == nil && i != 0 {
			problems = append(problems, fmt.Sprintf("band %d (%s): only the first band may omit lower", i, b.Label))
		}
		if b.Upper == nil && i != last {
			problems = append(problems, fmt.Sprintf("band %d (%s): only the last band may omit upper", i, b.Label))
		}
		if !finite(b.Lower) || !finite(b.Upper) {
			problems = append(problems, fmt.Sprintf("band %d (%s): limits must be finite", i, b.Label))
		}

		lo, hi := b.LowerBound(), b.UpperBound()
		if i == last {
			if lo > hi {
				problems = append(problems, fmt.Sprintf("band %d (%s): lower %g above upper %g", i, b.Label, lo, hi))
			}
		} else if lo >= hi {
			problems = append(problems, fmt.Sprintf("band %d (%s): lower %g not below upper %g", i, b.Label, lo, hi))
		}

		if i > 0 {
			prev := &bands[i-1]
			if prev.Upper != nil && b.Lower != nil {
				switch {
				case *b.Lower > *prev.Upper:
					problems = append(problems, fmt.Sprintf("gap between %s and %s: [%g, %g)", prev.Label, b.Label, *prev.Upper, *b.Lower))
				case *b.Lower < *prev.Upper:
					problems = append(problems, fmt.Sprintf("%s overlaps %s", b.Label, prev.Label))
				}
			}
		}
	}

	if first := bands[0].LowerBound(); first > reach.Min {
		problems = append(problems, fmt.Sprintf("bands start at %g but aggregate can reach %g", first, reach.Min))
	}
	if end := bands[last].UpperBound(); end < reach.Max {
		problems = append(problems, fmt.Sprintf("bands end at %g but aggregate can reach %g", end, reach.Max))
	}

	return problems
}

// ReachableRange returns the aggregate interval the bands must cover.
// A declared range wins; sum and weighted aggregations are bounded by
// their negative and positive contributions; formulas are unbounded.
func ReachableRange(def *domain.ScoringDefinition) domain.AggregateRange {
	if def.Range != nil {
		return *def.Range
	}

	kind := def.Aggregation.EffectiveKind()
	if kind != domain.AggregateSum && kind != domain.AggregateWeighted {
		return domain.Unbounded
	}

	var lo, hi float64
	for i := range def.Rules {
		c := def.Rules[i].Points
		if kind == domain.AggregateWeighted {
			c *= def.Rules[i].EffectiveWeight()
		}
		if c < 0 {
			lo += c
		} else {
			hi += c
		}
	}
	return domain.AggregateRange{Min: lo, Max: hi}
}

func finite(p *float64) bool {
	return p == nil || !(math.IsNaN(*p) || math.IsInf(*p, 0))
}
