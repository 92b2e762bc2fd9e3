package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// conditionSource translates a declarative condition into a CEL boolean
// expression. Literals are checked against the field schema so that a
// misspelt choice value fails at load time rather than never matching.
func conditionSource(c *domain.Condition, def *domain.ScoringDefinition) (string, error) {
	shapes := 0
	if c.Field != "" || c.Op != "" {
		shapes++
	}
	if len(c.All) > 0 {
		shapes++
	}
	if len(c.Any) > 0 {
		shapes++
	}
	if c.Not != nil {
		shapes++
	}
	if shapes != 1 {
		return "", fmt.Errorf("condition must be exactly one of a comparison, all, any or not")
	}

	switch {
	case len(c.All) > 0:
		return joinConditions(c.All, " && ", def)
	case len(c.Any) > 0:
		return joinConditions(c.Any, " || ", def)
	case c.Not != nil:
		inner, err := conditionSource(c.Not, def)
		if err != nil {
			return "", err
		}
		return "!(" + inner + ")", nil
	}

	f, ok := def.Field(c.Field)
	if !ok {
		return "", fmt.Errorf("condition references unknown field %q", c.Field)
	}

	switch c.Op {
	case domain.OpIsTrue, domain.OpIsFalse:
		if f.Kind != domain.FieldBoolean {
			return "", fmt.Errorf("%s: %s requires a boolean field", f.ID, c.Op)
		}
		if c.Op == domain.OpIsFalse {
			return "!" + f.ID, nil
		}
		return f.ID, nil

	case domain.OpEq, domain.OpNe:
		lit, err := literal(f, c.Value)
		if err != nil {
			return "", err
		}
		op := " == "
		if c.Op == domain.OpNe {
			op = " != "
		}
		return f.ID + op + lit, nil

	case domain.OpLt, domain.OpLte, domain.OpGt, domain.OpGte:
		if f.Kind != domain.FieldNumber {
			return "", fmt.Errorf("%s: %s requires a number field", f.ID, c.Op)
		}
		lit, err := literal(f, c.Value)
		if err != nil {
			return "", err
		}
		return f.ID + " " + comparisonSymbols[c.Op] + " " + lit, nil

	case domain.OpBetween:
		if f.Kind != domain.FieldNumber {
			return "", fmt.Errorf("%s: between requires a number field", f.ID)
		}
		if c.Min == nil && c.Max == nil {
			return "", fmt.Errorf("%s: between needs min, max or both", f.ID)
		}
		var parts []string
		if c.Min != nil {
			lit, err := doubleLiteral(*c.Min)
			if err != nil {
				return "", fmt.Errorf("%s: %w", f.ID, err)
			}
			parts = append(parts, f.ID+" >= "+lit)
		}
		if c.Max != nil {
			lit, err := doubleLiteral(*c.Max)
			if err != nil {
				return "", fmt.Errorf("%s: %w", f.ID, err)
			}
			parts = append(parts, f.ID+" < "+lit)
		}
		if c.Min != nil && c.Max != nil && *c.Min >= *c.Max {
			return "", fmt.Errorf("%s: between min must be below max", f.ID)
		}
		return "(" + strings.Join(parts, " && ") + ")", nil

	case domain.OpIn:
		if len(c.Values) == 0 {
			return "", fmt.Errorf("%s: in needs at least one value", f.ID)
		}
		lits := make([]string, len(c.Values))
		for i, v := range c.Values {
			lit, err := literal(f, v)
			if err != nil {
				return "", err
			}
			lits[i] = lit
		}
		return f.ID + " in [" + strings.Join(lits, ", ") + "]", nil
	}

	return "", fmt.Errorf("%s: unknown operator %q", f.ID, c.Op)
}

var comparisonSymbols = map[domain.CompareOp]string{
	domain.OpLt:  "<",
	domain.OpLte: "<=",
	domain.OpGt:  ">",
	domain.OpGte: ">=",
}

func joinConditions(conds []domain.Condition, sep string, def *domain.ScoringDefinition) (string, error) {
	parts := make([]string, len(conds))
	for i := range conds {
		src, err := conditionSource(&conds[i], def)
		if err != nil {
			return "", err
		}
		parts[i] = src
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// literal renders v as a CEL literal of the field's type.
func literal(f *domain.FieldSchema, v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%s: comparison value is required", f.ID)
	}
	switch f.Kind {
	case domain.FieldNumber:
		n, ok := toNumber(v)
		if !ok {
			return "", fmt.Errorf("%s: %v is not a number", f.ID, v)
		}
		lit, err := doubleLiteral(n)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.ID, err)
		}
		return lit, nil
	case domain.FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("%s: %v is not a boolean", f.ID, v)
		}
		return strconv.FormatBool(b), nil
	case domain.FieldChoice:
		s, ok := toChoice(v)
		if !ok || !f.HasChoice(s) {
			return "", fmt.Errorf("%s: %v is not one of %s", f.ID, v, describeChoices(f.Choices))
		}
		return strconv.Quote(s), nil
	}
	return "", fmt.Errorf("%s: unsupported field kind %q", f.ID, f.Kind)
}

// doubleLiteral renders n so CEL types it as double, never int.
func doubleLiteral(n float64) (string, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return "", fmt.Errorf("non-finite literal %v", n)
	}
	s := strconv.FormatFloat(n, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}
