package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Band maps an aggregate range to a category.
// Lower is inclusive and Upper exclusive, except on the terminal band
// whose Upper is inclusive. A nil Lower means -Inf, a nil Upper +Inf.
type Band struct {
	Lower          *float64 `json:"lower,omitempty"`
	Upper          *float64 `json:"upper,omitempty"`
	Label          string   `json:"label"`
	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// LowerBound returns the lower limit, -Inf when open.
func (b *Band) LowerBound() float64 {
	if b.Lower == nil {
		return math.Inf(-1)
	}
	return *b.Lower
}

// UpperBound returns the upper limit, +Inf when open.
func (b *Band) UpperBound() float64 {
	if b.Upper == nil {
		return math.Inf(1)
	}
	return *b.Upper
}

// Severity is an ordinal band severity.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityModerate
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityModerate: "moderate",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
