package domain

import "math"

// ScoringDefinition is the declarative description of one clinical score.
// Definitions are loaded once and treated as read-only configuration.
type ScoringDefinition struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId,omitempty"`
	Title       string   `json:"title"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	References  []string `json:"references,omitempty"`

	// Precision is the number of decimals a renderer should display.
	Precision int `json:"precision,omitempty"`

	Fields      []FieldSchema `json:"fields"`
	Rules       []Rule        `json:"rules,omitempty"`
	Aggregation Aggregation   `json:"aggregation"`

	// Range optionally declares the reachable aggregate range the bands must cover.
	Range *AggregateRange `json:"range,omitempty"`

	Bands []Band `json:"bands"`
}

// AggregationKind selects how rule contributions combine into the aggregate.
type AggregationKind string

const (
	// AggregateSum adds rule points.
	AggregateSum AggregationKind = "sum"

	// AggregateWeighted adds points multiplied by each rule's weight.
	AggregateWeighted AggregationKind = "weighted"

	// AggregateFormula evaluates a CEL expression over the fields,
	// `points` (sum of contributions) and `rules` (rule id -> contribution).
	AggregateFormula AggregationKind = "formula"
)

// Aggregation configures the aggregate computation.
type Aggregation struct {
	Kind    AggregationKind `json:"kind"`
	Formula string          `json:"formula,omitempty"`
}

// EffectiveKind returns the aggregation kind, defaulting to sum.
func (a Aggregation) EffectiveKind() AggregationKind {
	if a.Kind == "" {
		return AggregateSum
	}
	return a.Kind
}

// AggregateRange is a closed interval of reachable aggregates.
type AggregateRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Unbounded is the range used when nothing narrower is known.
var Unbounded = AggregateRange{Min: math.Inf(-1), Max: math.Inf(1)}

// Field returns the field schema with the given id.
func (d *ScoringDefinition) Field(id string) (*FieldSchema, bool) {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i], true
		}
	}
	return nil, false
}
