package domain

// FieldKind is the type of a scoring input.
type FieldKind string

const (
	FieldNumber  FieldKind = "number"
	FieldBoolean FieldKind = "boolean"
	FieldChoice  FieldKind = "choice"
)

// FieldSchema describes one input of a scoring definition.
type FieldSchema struct {
	ID    string    `json:"id"`
	Label string    `json:"label,omitempty"`
	Kind  FieldKind `json:"kind"`
	Unit  string    `json:"unit,omitempty"`

	// Bounds restricts numeric fields. Either side may be omitted.
	Bounds *Bounds `json:"bounds,omitempty"`

	// Choices is the allowed value set of a choice field.
	Choices []Choice `json:"choices,omitempty"`

	// Required fields fail validation when omitted. Optional fields fall
	// back to Default (or the zero value of their kind).
	Required bool `json:"required,omitempty"`
	Default  any  `json:"default,omitempty"`
}

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v lies inside the bounds.
func (b *Bounds) Contains(v float64) bool {
	if b == nil {
		return true
	}
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// Choice is one allowed value of a choice field.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// HasChoice reports whether value is one of the field's allowed choices.
func (f *FieldSchema) HasChoice(value string) bool {
	for _, c := range f.Choices {
		if c.Value == value {
			return true
		}
	}
	return false
}
