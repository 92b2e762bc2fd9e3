// Package rules provides the CEL-Go based scoring engine.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

var tracer = otel.Tracer("clinscore-rules")

var (
	definitionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	fieldIDPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// reservedIdentifiers cannot be used as field ids: CEL keywords plus the
// variables bound into formula aggregation.
var reservedIdentifiers = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "package": true, "namespace": true,
	"null": true, "return": true, "true": true, "var": true, "void": true,
	"while": true,
	"points": true, "rules": true,
}

// Engine compiles scoring definitions into executable form.
// It holds no per-definition state and is safe for concurrent use.
type Engine struct {
	base *cel.Env
}

// NewEngine creates a new scoring engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(mathFunctions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{base: env}, nil
}

// CompiledRule holds the pre-compiled predicate of one rule.
type CompiledRule struct {
	Rule      domain.Rule
	AppliesTo []string
	Source    string
	program   cel.Program
}

// Evaluate runs the predicate against values. Only the rule's own fields
// are bound. It returns the rule's points when the predicate holds and 0
// otherwise.
func (r *CompiledRule) Evaluate(values Values) (float64, bool, error) {
	activation := make(map[string]any, len(r.AppliesTo))
	for _, id := range r.AppliesTo {
		v, ok := values[id]
		if !ok {
			return 0, false, fmt.Errorf("rule %s: no value for field %s", r.Rule.ID, id)
		}
		activation[id] = v.Native()
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		return 0, false, fmt.Errorf("rule %s: %w", r.Rule.ID, err)
	}
	matched, ok := out.(types.Bool)
	if !ok {
		return 0, false, fmt.Errorf("rule %s: predicate returned %s", r.Rule.ID, out.Type())
	}
	if !matched {
		return 0, false, nil
	}
	return r.Rule.Points, true, nil
}

// CompiledDefinition is an immutable, executable scoring definition.
type CompiledDefinition struct {
	def     domain.ScoringDefinition
	rules   []*CompiledRule
	formula cel.Program
	reach   domain.AggregateRange
	digest  string
}

// Compile checks def and prepares it for evaluation. Every problem found is
// reported in a single *domain.ConfigError.
func (e *Engine) Compile(def *domain.ScoringDefinition) (*CompiledDefinition, error) {
	if def == nil {
		return nil, &domain.ConfigError{Problems: []string{"definition is required"}}
	}

	cerr := &domain.ConfigError{DefinitionID: def.ID}

	if !definitionIDPattern.MatchString(def.ID) {
		cerr.Add("id %q must be letters, digits, '.', '_' or '-'", def.ID)
	}
	if def.Title == "" {
		cerr.Add("title is required")
	}
	if def.Precision < 0 || def.Precision > 10 {
		cerr.Add("precision %d out of range [0, 10]", def.Precision)
	}

	checkFields(def, cerr)

	compiled := &CompiledDefinition{}
	seenRules := make(map[string]bool, len(def.Rules))
	for i := range def.Rules {
		r := &def.Rules[i]
		if r.ID == "" {
			cerr.Add("rule %d: id is required", i)
		} else if seenRules[r.ID] {
			cerr.Add("rule %s: duplicate id", r.ID)
		}
		seenRules[r.ID] = true

		cr, problems := e.compileRule(def, r)
		for _, p := range problems {
			cerr.Add("rule %s: %s", r.ID, p)
		}
		if cr != nil {
			compiled.rules = append(compiled.rules, cr)
		}
	}

	switch kind := def.Aggregation.EffectiveKind(); kind {
	case domain.AggregateSum, domain.AggregateWeighted:
		if def.Aggregation.Formula != "" {
			cerr.Add("aggregation %s does not take a formula", kind)
		}
	case domain.AggregateFormula:
		if def.Aggregation.Formula == "" {
			cerr.Add("formula aggregation requires a formula")
			break
		}
		prg, err := e.compileFormula(def)
		if err != nil {
			cerr.Add("formula: %v", err)
		}
		compiled.formula = prg
	default:
		cerr.Add("unknown aggregation kind %q", kind)
	}

	if def.Range != nil && !(def.Range.Min <= def.Range.Max) {
		cerr.Add("range min %g above max %g", def.Range.Min, def.Range.Max)
	}

	compiled.reach = ReachableRange(def)
	for _, p := range CheckBands(def.Bands, compiled.reach) {
		cerr.Add("bands: %s", p)
	}

	if err := cerr.OrNil(); err != nil {
		return nil, err
	}

	// The compiled definition owns a private copy so later edits by the
	// caller cannot change evaluation.
	data, err := json.Marshal(def)
	if err != nil {
		cerr.Add("encode: %v", err)
		return nil, cerr
	}
	if err := json.Unmarshal(data, &compiled.def); err != nil {
		cerr.Add("decode: %v", err)
		return nil, cerr
	}
	for i, cr := range compiled.rules {
		cr.Rule = compiled.def.Rules[i]
	}
	compiled.digest = fmt.Sprintf("%016x", xxhash.Sum64(data))

	return compiled, nil
}

func checkFields(def *domain.ScoringDefinition, cerr *domain.ConfigError) {
	if len(def.Fields) == 0 {
		cerr.Add("at least one field is required")
	}

	seen := make(map[string]bool, len(def.Fields))
	for i := range def.Fields {
		f := &def.Fields[i]
		switch {
		case f.ID == "":
			cerr.Add("field %d: id is required", i)
			continue
		case !fieldIDPattern.MatchString(f.ID):
			cerr.Add("field %s: id must be a valid identifier", f.ID)
		case reservedIdentifiers[f.ID]:
			cerr.Add("field %s: id is reserved", f.ID)
		}
		if seen[f.ID] {
			cerr.Add("field %s: duplicate id", f.ID)
		}
		seen[f.ID] = true

		switch f.Kind {
		case domain.FieldNumber:
			if len(f.Choices) > 0 {
				cerr.Add("field %s: choices only apply to choice fields", f.ID)
			}
			if b := f.Bounds; b != nil {
				if !finite(b.Min) || !finite(b.Max) {
					cerr.Add("field %s: bounds must be finite", f.ID)
				}
				if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
					cerr.Add("field %s: bounds min %g above max %g", f.ID, *b.Min, *b.Max)
				}
			}
			if !f.Required && f.Default == nil && !f.Bounds.Contains(0) {
				cerr.Add("field %s: optional field needs a default inside its bounds", f.ID)
			}
		case domain.FieldBoolean:
			if f.Bounds != nil || len(f.Choices) > 0 {
				cerr.Add("field %s: boolean fields take no bounds or choices", f.ID)
			}
		case domain.FieldChoice:
			if f.Bounds != nil {
				cerr.Add("field %s: bounds only apply to number fields", f.ID)
			}
			if len(f.Choices) == 0 {
				cerr.Add("field %s: choice field needs at least one choice", f.ID)
			}
			values := make(map[string]bool, len(f.Choices))
			for _, c := range f.Choices {
				if values[c.Value] {
					cerr.Add("field %s: duplicate choice %q", f.ID, c.Value)
				}
				values[c.Value] = true
			}
		default:
			cerr.Add("field %s: unknown kind %q", f.ID, f.Kind)
			continue
		}

		if f.Default != nil {
			if _, fe := coerce(f, f.Default); fe != nil {
				cerr.Add("field %s: default %s", f.ID, fe.Message)
			}
		}
	}
}

func (e *Engine) compileRule(def *domain.ScoringDefinition, r *domain.Rule) (*CompiledRule, []string) {
	var problems []string

	hasWhen, hasExpr := r.When != nil, r.Expression != ""
	if hasWhen == hasExpr {
		return nil, []string{"exactly one of when or expression is required"}
	}
	if math.IsNaN(r.Points) || math.IsInf(r.Points, 0) {
		problems = append(problems, "points must be finite")
	}
	if math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) {
		problems = append(problems, "weight must be finite")
	}

	appliesTo := r.AppliesTo
	if len(appliesTo) == 0 {
		if hasExpr {
			return nil, append(problems, "expression rules must list appliesTo")
		}
		appliesTo = r.When.Fields()
	}

	listed := make(map[string]bool, len(appliesTo))
	vars := make([]cel.EnvOption, 0, len(appliesTo))
	for _, id := range appliesTo {
		if listed[id] {
			problems = append(problems, fmt.Sprintf("field %s listed twice in appliesTo", id))
			continue
		}
		listed[id] = true
		f, ok := def.Field(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %s", id))
			continue
		}
		vars = append(vars, cel.Variable(id, celType(f.Kind)))
	}

	src := r.Expression
	if hasWhen {
		for _, id := range r.When.Fields() {
			if !listed[id] {
				problems = append(problems, fmt.Sprintf("predicate reads %s outside appliesTo", id))
			}
		}
		var err error
		src, err = conditionSource(r.When, def)
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, problems
	}

	env, err := e.base.Extend(vars...)
	if err != nil {
		return nil, []string{fmt.Sprintf("environment: %v", err)}
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, []string{fmt.Sprintf("compile %q: %v", src, issues.Err())}
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, []string{fmt.Sprintf("predicate must return bool, got %s", ast.OutputType())}
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, []string{fmt.Sprintf("program: %v", err)}
	}

	return &CompiledRule{
		Rule:      *r,
		AppliesTo: append([]string(nil), appliesTo...),
		Source:    src,
		program:   prg,
	}, nil
}

func (e *Engine) compileFormula(def *domain.ScoringDefinition) (cel.Program, error) {
	vars := make([]cel.EnvOption, 0, len(def.Fields)+2)
	for i := range def.Fields {
		f := &def.Fields[i]
		if fieldIDPattern.MatchString(f.ID) && !reservedIdentifiers[f.ID] {
			vars = append(vars, cel.Variable(f.ID, celType(f.Kind)))
		}
	}
	vars = append(vars,
		cel.Variable("points", cel.DoubleType),
		cel.Variable("rules", cel.MapType(cel.StringType, cel.DoubleType)),
	)

	env, err := e.base.Extend(vars...)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(def.Aggregation.Formula)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.DoubleType) && !out.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("must return double or int, got %s", out)
	}
	return env.Program(ast)
}

func celType(kind domain.FieldKind) *cel.Type {
	switch kind {
	case domain.FieldNumber:
		return cel.DoubleType
	case domain.FieldBoolean:
		return cel.BoolType
	default:
		return cel.StringType
	}
}

// Definition returns the compiled definition. Slices are shared and must
// not be modified.
func (d *CompiledDefinition) Definition() domain.ScoringDefinition {
	return d.def
}

// ID returns the definition id.
func (d *CompiledDefinition) ID() string { return d.def.ID }

// TenantID returns the owning tenant, empty for shared definitions.
func (d *CompiledDefinition) TenantID() string { return d.def.TenantID }

// Version returns the definition version.
func (d *CompiledDefinition) Version() string { return d.def.Version }

// Digest is a stable hash of the definition document.
func (d *CompiledDefinition) Digest() string { return d.digest }

// Reach returns the aggregate range the bands were checked against.
func (d *CompiledDefinition) Reach() domain.AggregateRange { return d.reach }

// Rules returns the compiled rules in declaration order.
func (d *CompiledDefinition) Rules() []*CompiledRule { return d.rules }

// Validate checks every field of inputs. Unknown keys are ignored.
// All field errors are collected into one *domain.ValidationError.
func (d *CompiledDefinition) Validate(inputs map[string]any) (Values, error) {
	values := make(Values, len(d.def.Fields))
	var errs []domain.FieldError

	for i := range d.def.Fields {
		f := &d.def.Fields[i]
		raw, present := inputs[f.ID]
		v, fe := ValidateField(f, raw, present)
		if fe != nil {
			errs = append(errs, *fe)
			continue
		}
		values[f.ID] = v
	}

	if len(errs) > 0 {
		return nil, &domain.ValidationError{DefinitionID: d.def.ID, Errors: errs}
	}
	return values, nil
}

// Evaluate validates inputs and scores them.
func (d *CompiledDefinition) Evaluate(ctx context.Context, inputs map[string]any) (*domain.Result, error) {
	values, err := d.Validate(inputs)
	if err != nil {
		return nil, err
	}
	return d.Score(ctx, values)
}

// Score runs every rule over already validated values, aggregates the
// contributions and selects the band.
func (d *CompiledDefinition) Score(ctx context.Context, values Values) (*domain.Result, error) {
	_, span := tracer.Start(ctx, "rules.score",
		trace.WithAttributes(
			attribute.String("definition.id", d.def.ID),
			attribute.Int("rules.count", len(d.rules)),
		),
	)
	defer span.End()

	kind := d.def.Aggregation.EffectiveKind()
	breakdown := make([]domain.Contribution, len(d.rules))
	contributions := make(map[string]float64, len(d.rules))
	var total float64

	for i, r := range d.rules {
		points, matched, err := r.Evaluate(values)
		if err != nil {
			span.RecordError(err)
			return nil, &domain.InternalError{DefinitionID: d.def.ID, Reason: "rule evaluation failed", Err: err}
		}
		if kind == domain.AggregateWeighted {
			points *= r.Rule.EffectiveWeight()
		}
		breakdown[i] = domain.Contribution{RuleID: r.Rule.ID, Matched: matched, Points: points}
		contributions[r.Rule.ID] = points
		total += points
	}

	aggregate := total
	if kind == domain.AggregateFormula {
		activation := values.Natives()
		activation["points"] = total
		activation["rules"] = contributions

		out, _, err := d.formula.Eval(activation)
		if err != nil {
			span.RecordError(err)
			return nil, &domain.InternalError{DefinitionID: d.def.ID, Reason: "formula evaluation failed", Err: err}
		}
		aggregate, err = toAggregate(out)
		if err != nil {
			return nil, &domain.InternalError{DefinitionID: d.def.ID, Reason: "formula evaluation failed", Err: err}
		}
	}

	if math.IsNaN(aggregate) || math.IsInf(aggregate, 0) {
		return nil, &domain.InternalError{
			DefinitionID: d.def.ID,
			Reason:       fmt.Sprintf("non-finite aggregate %v", aggregate),
		}
	}

	idx, ok := MatchBand(aggregate, d.def.Bands)
	if !ok {
		return nil, &domain.InternalError{
			DefinitionID: d.def.ID,
			Reason:       fmt.Sprintf("no band contains aggregate %g", aggregate),
		}
	}
	span.SetAttributes(attribute.Float64("aggregate", aggregate))

	return &domain.Result{
		DefinitionID: d.def.ID,
		Version:      d.def.Version,
		Aggregate:    aggregate,
		Band:         cloneBand(d.def.Bands[idx]),
		Breakdown:    breakdown,
	}, nil
}

func toAggregate(val ref.Val) (float64, error) {
	switch v := val.(type) {
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("formula returned %s", val.Type())
	}
}

func cloneBand(b domain.Band) domain.Band {
	if b.Lower != nil {
		lo := *b.Lower
		b.Lower = &lo
	}
	if b.Upper != nil {
		hi := *b.Upper
		b.Upper = &hi
	}
	return b
}
