package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// Value is a validated field value.
type Value struct {
	Kind   domain.FieldKind `json:"kind"`
	Number float64          `json:"number,omitempty"`
	Bool   bool             `json:"bool,omitempty"`
	Choice string           `json:"choice,omitempty"`
}

// Native returns the value as the Go type bound into CEL.
func (v Value) Native() any {
	switch v.Kind {
	case domain.FieldNumber:
		return v.Number
	case domain.FieldBoolean:
		return v.Bool
	default:
		return v.Choice
	}
}

// Values holds validated values keyed by field id.
type Values map[string]Value

// Natives converts every value with Native.
func (vs Values) Natives() map[string]any {
	out := make(map[string]any, len(vs))
	for id, v := range vs {
		out[id] = v.Native()
	}
	return out
}

// falseTokens are the strings a boolean field reads as false.
var falseTokens = map[string]bool{
	"":      true,
	"false": true,
	"0":     true,
	"no":    true,
	"n":     true,
	"f":     true,
	"off":   true,
}

// ValidateField validates one raw input against its schema.
// present reports whether the caller supplied the field at all.
func ValidateField(f *domain.FieldSchema, raw any, present bool) (Value, *domain.FieldError) {
	if isMissing(f, raw, present) {
		if f.Required {
			return Value{}, &domain.FieldError{
				FieldID: f.ID,
				Kind:    domain.FieldMissing,
				Message: "value is required",
			}
		}
		return defaultValue(f), nil
	}
	return coerce(f, raw)
}

func isMissing(f *domain.FieldSchema, raw any, present bool) bool {
	if !present || raw == nil {
		return true
	}
	// A blank checkbox is an explicit false, not an omission.
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return f.Kind != domain.FieldBoolean || f.Required
	}
	return false
}

func defaultValue(f *domain.FieldSchema) Value {
	if f.Default != nil {
		if v, fe := coerce(f, f.Default); fe == nil {
			return v
		}
	}
	return Value{Kind: f.Kind}
}

func coerce(f *domain.FieldSchema, raw any) (Value, *domain.FieldError) {
	switch f.Kind {
	case domain.FieldNumber:
		n, ok := toNumber(raw)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return Value{}, &domain.FieldError{
				FieldID: f.ID,
				Kind:    domain.FieldNotANumber,
				Message: fmt.Sprintf("%v is not a number", raw),
			}
		}
		if !f.Bounds.Contains(n) {
			return Value{}, &domain.FieldError{
				FieldID: f.ID,
				Kind:    domain.FieldOutOfRange,
				Message: fmt.Sprintf("%s is outside %s", formatNumber(n), describeBounds(f.Bounds)),
			}
		}
		return Value{Kind: domain.FieldNumber, Number: n}, nil

	case domain.FieldBoolean:
		return Value{Kind: domain.FieldBoolean, Bool: toBool(raw)}, nil

	case domain.FieldChoice:
		s, ok := toChoice(raw)
		if !ok || !f.HasChoice(s) {
			return Value{}, &domain.FieldError{
				FieldID: f.ID,
				Kind:    domain.FieldInvalidChoice,
				Message: fmt.Sprintf("%v is not one of %s", raw, describeChoices(f.Choices)),
			}
		}
		return Value{Kind: domain.FieldChoice, Choice: s}, nil
	}

	return Value{}, &domain.FieldError{
		FieldID: f.ID,
		Kind:    domain.FieldInvalidChoice,
		Message: fmt.Sprintf("unsupported field kind %q", f.Kind),
	}
}

func toNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return !falseTokens[strings.ToLower(strings.TrimSpace(v))]
	case nil:
		return false
	}
	if n, ok := toNumber(raw); ok {
		return n != 0
	}
	return true
}

func toChoice(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	case bool:
		return strconv.FormatBool(v), true
	}
	if n, ok := toNumber(raw); ok {
		return formatNumber(n), true
	}
	return "", false
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func describeBounds(b *domain.Bounds) string {
	lo, hi := "-inf", "+inf"
	if b.Min != nil {
		lo = formatNumber(*b.Min)
	}
	if b.Max != nil {
		hi = formatNumber(*b.Max)
	}
	return "[" + lo + ", " + hi + "]"
}

func describeChoices(choices []domain.Choice) string {
	vals := make([]string, len(choices))
	for i, c := range choices {
		vals[i] = strconv.Quote(c.Value)
	}
	return "{" + strings.Join(vals, ", ") + "}"
}
