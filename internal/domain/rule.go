package domain

// Rule maps one or more field values to a point contribution.
type Rule struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`

	// AppliesTo lists the fields the rule reads. It may be omitted for
	// declarative predicates, in which case it is derived from When.
	AppliesTo []string `json:"appliesTo,omitempty"`

	// Exactly one of When or Expression is set.
	When       *Condition `json:"when,omitempty"`
	Expression string     `json:"expression,omitempty"`

	// Points is contributed when the predicate holds. May be fractional or negative.
	Points float64 `json:"points"`

	// Weight multiplies Points under weighted aggregation. Zero means 1.
	Weight float64 `json:"weight,omitempty"`
}

// EffectiveWeight returns the rule weight, defaulting to 1.
func (r *Rule) EffectiveWeight() float64 {
	if r.Weight == 0 {
		return 1
	}
	return r.Weight
}

// CompareOp is a declarative comparison operator.
type CompareOp string

const (
	OpEq      CompareOp = "eq"
	OpNe      CompareOp = "ne"
	OpLt      CompareOp = "lt"
	OpLte     CompareOp = "lte"
	OpGt      CompareOp = "gt"
	OpGte     CompareOp = "gte"
	OpBetween CompareOp = "between" // min <= v < max
	OpIn      CompareOp = "in"
	OpIsTrue  CompareOp = "isTrue"
	OpIsFalse CompareOp = "isFalse"
)

// Condition is a declarative predicate. A leaf sets Field and Op; a
// compound node sets exactly one of All, Any or Not.
type Condition struct {
	Field  string    `json:"field,omitempty"`
	Op     CompareOp `json:"op,omitempty"`
	Value  any       `json:"value,omitempty"`
	Values []any     `json:"values,omitempty"`
	Min    *float64  `json:"min,omitempty"`
	Max    *float64  `json:"max,omitempty"`

	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

// Fields returns the field ids referenced by the condition, in first-seen order.
func (c *Condition) Fields() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		if n.Field != "" && !seen[n.Field] {
			seen[n.Field] = true
			out = append(out, n.Field)
		}
		for i := range n.All {
			walk(&n.All[i])
		}
		for i := range n.Any {
			walk(&n.Any[i])
		}
		walk(n.Not)
	}
	walk(c)
	return out
}
