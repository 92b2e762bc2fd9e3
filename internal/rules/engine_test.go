package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)
	return engine
}

func isTrue(field string) *domain.Condition {
	return &domain.Condition{Field: field, Op: domain.OpIsTrue}
}

func boolField(id string) domain.FieldSchema {
	return domain.FieldSchema{ID: id, Kind: domain.FieldBoolean}
}

func bmiDefinition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:        "bmi",
		Title:     "Body Mass Index",
		Version:   "1",
		Precision: 1,
		Fields: []domain.FieldSchema{
			{ID: "weight", Kind: domain.FieldNumber, Unit: "kg", Required: true, Bounds: &domain.Bounds{Min: ptr(1), Max: ptr(500)}},
			{ID: "height", Kind: domain.FieldNumber, Unit: "cm", Required: true, Bounds: &domain.Bounds{Min: ptr(30), Max: ptr(300)}},
		},
		Aggregation: domain.Aggregation{Kind: domain.AggregateFormula, Formula: "weight / pow(height / 100.0, 2.0)"},
		Bands: []domain.Band{
			{Upper: ptr(18.5), Label: "Underweight", Severity: domain.SeverityModerate},
			{Lower: ptr(18.5), Upper: ptr(25), Label: "Normal weight", Severity: domain.SeverityLow},
			{Lower: ptr(25), Upper: ptr(30), Label: "Overweight", Severity: domain.SeverityModerate},
			{Lower: ptr(30), Label: "Obese", Severity: domain.SeverityHigh},
		},
	}
}

func chadsVascDefinition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:    "cha2ds2-vasc",
		Title: "CHA2DS2-VASc",
		Fields: []domain.FieldSchema{
			boolField("chf"), boolField("hypertension"), boolField("age75"),
			boolField("diabetes"), boolField("stroke"), boolField("vascular"),
			boolField("age65"), boolField("female"),
		},
		Rules: []domain.Rule{
			{ID: "chf", When: isTrue("chf"), Points: 1},
			{ID: "hypertension", When: isTrue("hypertension"), Points: 1},
			{ID: "age75", When: isTrue("age75"), Points: 2},
			{ID: "diabetes", When: isTrue("diabetes"), Points: 1},
			{ID: "stroke", When: isTrue("stroke"), Points: 2},
			{ID: "vascular", When: isTrue("vascular"), Points: 1},
			{ID: "age65", When: isTrue("age65"), Points: 1},
			{ID: "female", When: isTrue("female"), Points: 1},
		},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(1), Label: "Low risk", Severity: domain.SeverityLow},
			{Lower: ptr(1), Upper: ptr(2), Label: "Moderate risk", Severity: domain.SeverityModerate},
			{Lower: ptr(2), Upper: ptr(10), Label: "High risk (≥2)", Severity: domain.SeverityHigh},
		},
	}
}

func wellsPEDefinition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:    "wells-pe",
		Title: "Wells criteria for PE",
		Fields: []domain.FieldSchema{
			boolField("dvt_signs"), boolField("pe_likely"), boolField("hr_over_100"),
			boolField("immobilisation"), boolField("previous_vte"),
			boolField("haemoptysis"), boolField("malignancy"),
		},
		Rules: []domain.Rule{
			{ID: "dvt_signs", When: isTrue("dvt_signs"), Points: 3},
			{ID: "pe_likely", When: isTrue("pe_likely"), Points: 3},
			{ID: "hr_over_100", When: isTrue("hr_over_100"), Points: 1.5},
			{ID: "immobilisation", When: isTrue("immobilisation"), Points: 1.5},
			{ID: "previous_vte", When: isTrue("previous_vte"), Points: 1.5},
			{ID: "haemoptysis", When: isTrue("haemoptysis"), Points: 1},
			{ID: "malignancy", When: isTrue("malignancy"), Points: 1},
		},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(4.5), Label: "Low probability (≤4)", Severity: domain.SeverityModerate},
			{Lower: ptr(4.5), Upper: ptr(12.5), Label: "High probability (>4)", Severity: domain.SeverityHigh},
		},
	}
}

func curb65Definition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:    "curb-65",
		Title: "CURB-65",
		Fields: []domain.FieldSchema{
			boolField("confusion"), boolField("urea"), boolField("resp_rate"),
			boolField("blood_pressure"), boolField("age65"),
		},
		Rules: []domain.Rule{
			{ID: "confusion", When: isTrue("confusion"), Points: 1},
			{ID: "urea", When: isTrue("urea"), Points: 1},
			{ID: "resp_rate", When: isTrue("resp_rate"), Points: 1},
			{ID: "blood_pressure", When: isTrue("blood_pressure"), Points: 1},
			{ID: "age65", When: isTrue("age65"), Points: 1},
		},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(2), Label: "Low risk", Severity: domain.SeverityLow},
			{Lower: ptr(2), Upper: ptr(3), Label: "Moderate risk", Severity: domain.SeverityModerate},
			{Lower: ptr(3), Upper: ptr(5), Label: "High risk", Severity: domain.SeverityHigh},
		},
	}
}

func egfrDefinition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:    "egfr-ckd-epi-2021",
		Title: "eGFR (CKD-EPI 2021)",
		Fields: []domain.FieldSchema{
			{ID: "creatinine", Kind: domain.FieldNumber, Unit: "mg/dL", Required: true, Bounds: &domain.Bounds{Min: ptr(0.1), Max: ptr(20)}},
			{ID: "age", Kind: domain.FieldNumber, Unit: "years", Required: true, Bounds: &domain.Bounds{Min: ptr(18), Max: ptr(120)}},
			boolField("female"),
		},
		Aggregation: domain.Aggregation{
			Kind: domain.AggregateFormula,
			Formula: `female
				? 142.0 * pow(min(creatinine / 0.7, 1.0), -0.241) * pow(max(creatinine / 0.7, 1.0), -1.2) * pow(0.9938, age) * 1.012
				: 142.0 * pow(min(creatinine / 0.9, 1.0), -0.302) * pow(max(creatinine / 0.9, 1.0), -1.2) * pow(0.9938, age)`,
		},
		Range: &domain.AggregateRange{Min: 0, Max: 1000},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(15), Label: "G5 kidney failure", Severity: domain.SeverityCritical},
			{Lower: ptr(15), Upper: ptr(30), Label: "G4", Severity: domain.SeverityHigh},
			{Lower: ptr(30), Upper: ptr(60), Label: "G3", Severity: domain.SeverityModerate},
			{Lower: ptr(60), Upper: ptr(90), Label: "G2", Severity: domain.SeverityLow},
			{Lower: ptr(90), Upper: ptr(1000), Label: "G1", Severity: domain.SeverityLow},
		},
	}
}

func wellsDVTDefinition() *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:    "wells-dvt",
		Title: "Wells criteria for DVT",
		Fields: []domain.FieldSchema{
			boolField("active_cancer"), boolField("bedridden"), boolField("calf_swelling"),
			boolField("alternative_likely"),
		},
		Rules: []domain.Rule{
			{ID: "active_cancer", When: isTrue("active_cancer"), Points: 1},
			{ID: "bedridden", When: isTrue("bedridden"), Points: 1},
			{ID: "calf_swelling", When: isTrue("calf_swelling"), Points: 1},
			{ID: "alternative_likely", When: isTrue("alternative_likely"), Points: -2},
		},
		Bands: []domain.Band{
			{Upper: ptr(1), Label: "Low probability", Severity: domain.SeverityLow},
			{Lower: ptr(1), Upper: ptr(3), Label: "Moderate probability", Severity: domain.SeverityModerate},
			{Lower: ptr(3), Label: "High probability", Severity: domain.SeverityHigh},
		},
	}
}

func compile(t *testing.T, def *domain.ScoringDefinition) *CompiledDefinition {
	t.Helper()
	compiled, err := newEngine(t).Compile(def)
	require.NoError(t, err)
	return compiled
}

func TestEvaluateBMI(t *testing.T) {
	compiled := compile(t, bmiDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"weight": 70, "height": "175"})
	require.NoError(t, err)

	assert.InDelta(t, 22.857, result.Aggregate, 0.001)
	assert.Equal(t, "Normal weight", result.Band.Label)
	assert.Equal(t, domain.SeverityLow, result.Band.Severity)
	assert.Empty(t, result.Breakdown)
}

func TestEvaluateCHA2DS2VASc(t *testing.T) {
	compiled := compile(t, chadsVascDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"age75": true, "female": true})
	require.NoError(t, err)

	assert.Equal(t, 3.0, result.Aggregate)
	assert.Equal(t, "High risk (≥2)", result.Band.Label)
	require.Len(t, result.Breakdown, 8)
	assert.Equal(t, domain.Contribution{RuleID: "age75", Matched: true, Points: 2}, result.Breakdown[2])
	assert.Equal(t, domain.Contribution{RuleID: "female", Matched: true, Points: 1}, result.Breakdown[7])
}

func TestEvaluateWellsPE(t *testing.T) {
	compiled := compile(t, wellsPEDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"hr_over_100": true, "malignancy": "yes"})
	require.NoError(t, err)

	assert.Equal(t, 2.5, result.Aggregate)
	assert.Equal(t, "Low probability (≤4)", result.Band.Label)
}

func TestEvaluateOptionalBooleansDefaultFalse(t *testing.T) {
	compiled := compile(t, curb65Definition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.Aggregate)
	assert.Equal(t, "Low risk", result.Band.Label)
	for _, c := range result.Breakdown {
		assert.False(t, c.Matched, c.RuleID)
		assert.Zero(t, c.Points, c.RuleID)
	}
}

func TestEvaluateOutOfRange(t *testing.T) {
	compiled := compile(t, egfrDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"creatinine": 1.0, "age": -5})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "age", verr.Errors[0].FieldID)
	assert.Equal(t, domain.FieldOutOfRange, verr.Errors[0].Kind)
}

func TestEvaluateEGFR(t *testing.T) {
	compiled := compile(t, egfrDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"creatinine": 1.0, "age": 50, "female": false})
	require.NoError(t, err)

	assert.InDelta(t, 91.7, result.Aggregate, 0.5)
	assert.Equal(t, "G1", result.Band.Label)
}

func TestEvaluateNegativePoints(t *testing.T) {
	compiled := compile(t, wellsDVTDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{
		"active_cancer":      true,
		"bedridden":          true,
		"calf_swelling":      true,
		"alternative_likely": true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Aggregate)
	assert.Equal(t, -2.0, result.Breakdown[3].Points)
	assert.Equal(t, "Moderate probability", result.Band.Label)
}

func TestEvaluateCollectsEveryFieldError(t *testing.T) {
	compiled := compile(t, bmiDefinition())

	_, err := compiled.Evaluate(context.Background(), map[string]any{"height": "tall"})

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"weight", "height"}, verr.FieldIDs())
	assert.Equal(t, domain.FieldMissing, verr.Errors[0].Kind)
	assert.Equal(t, domain.FieldNotANumber, verr.Errors[1].Kind)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	compiled := compile(t, chadsVascDefinition())
	inputs := map[string]any{"chf": true, "diabetes": "1", "age65": 1}

	first, err := compiled.Evaluate(context.Background(), inputs)
	require.NoError(t, err)
	second, err := compiled.Evaluate(context.Background(), inputs)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestBreakdownSumsToAggregate(t *testing.T) {
	compiled := compile(t, wellsPEDefinition())

	result, err := compiled.Evaluate(context.Background(), map[string]any{
		"dvt_signs":    true,
		"previous_vte": true,
		"haemoptysis":  true,
	})
	require.NoError(t, err)

	assert.Equal(t, result.Aggregate, result.Total())
	assert.Equal(t, 5.5, result.Aggregate)
	assert.Equal(t, "High probability (>4)", result.Band.Label)
}

func TestBandBoundaries(t *testing.T) {
	compiled := compile(t, chadsVascDefinition())

	t.Run("lower bound is inclusive", func(t *testing.T) {
		result, err := compiled.Evaluate(context.Background(), map[string]any{"stroke": true})
		require.NoError(t, err)
		assert.Equal(t, 2.0, result.Aggregate)
		assert.Equal(t, "High risk (≥2)", result.Band.Label)
	})

	t.Run("upper bound is exclusive", func(t *testing.T) {
		result, err := compiled.Evaluate(context.Background(), map[string]any{"female": true})
		require.NoError(t, err)
		assert.Equal(t, "Moderate risk", result.Band.Label)
	})

	t.Run("terminal upper bound is inclusive", func(t *testing.T) {
		all := map[string]any{}
		for _, f := range chadsVascDefinition().Fields {
			all[f.ID] = true
		}
		result, err := compiled.Evaluate(context.Background(), all)
		require.NoError(t, err)
		assert.Equal(t, 10.0, result.Aggregate)
		assert.Equal(t, "High risk (≥2)", result.Band.Label)
	})
}

func TestWeightedAggregation(t *testing.T) {
	def := curb65Definition()
	def.Aggregation = domain.Aggregation{Kind: domain.AggregateWeighted}
	def.Rules[0].Weight = 2
	def.Bands[2].Upper = ptr(6)

	compiled := compile(t, def)
	assert.Equal(t, domain.AggregateRange{Min: 0, Max: 6}, compiled.Reach())

	result, err := compiled.Evaluate(context.Background(), map[string]any{"confusion": true})
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.Aggregate)
	assert.Equal(t, 2.0, result.Breakdown[0].Points)
	assert.Equal(t, "Moderate risk", result.Band.Label)
}

func TestFormulaSeesRuleContributions(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "composite",
		Title: "Composite",
		Fields: []domain.FieldSchema{
			{ID: "age", Kind: domain.FieldNumber, Required: true},
			{ID: "sex", Kind: domain.FieldChoice, Required: true, Choices: []domain.Choice{{Value: "female"}, {Value: "male"}}},
		},
		Rules: []domain.Rule{
			{ID: "elderly", When: &domain.Condition{Field: "age", Op: domain.OpGte, Value: 65}, Points: 2},
			{
				ID:        "older_female",
				AppliesTo: []string{"age", "sex"},
				Expression: `age >= 75.0 && sex == "female"`,
				Points:    1,
			},
		},
		Aggregation: domain.Aggregation{Kind: domain.AggregateFormula, Formula: `points * 10.0 + rules["older_female"]`},
		Bands: []domain.Band{
			{Upper: ptr(20), Label: "low", Severity: domain.SeverityLow},
			{Lower: ptr(20), Label: "high", Severity: domain.SeverityHigh},
		},
	}
	compiled := compile(t, def)

	result, err := compiled.Evaluate(context.Background(), map[string]any{"age": 80, "sex": "female"})
	require.NoError(t, err)
	assert.Equal(t, 31.0, result.Aggregate)
	assert.Equal(t, "high", result.Band.Label)

	_, err = compiled.Evaluate(context.Background(), map[string]any{"age": 80, "sex": "other"})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, domain.FieldInvalidChoice, verr.Errors[0].Kind)
}

func TestCompoundConditions(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "compound",
		Title: "Compound",
		Fields: []domain.FieldSchema{
			{ID: "age", Kind: domain.FieldNumber, Required: true},
			{ID: "grade", Kind: domain.FieldChoice, Choices: []domain.Choice{{Value: "1"}, {Value: "2"}, {Value: "3"}}, Default: "1"},
			boolField("smoker"),
		},
		Rules: []domain.Rule{
			{ID: "band_age", When: &domain.Condition{Field: "age", Op: domain.OpBetween, Min: ptr(65), Max: ptr(75)}, Points: 1},
			{ID: "high_grade", When: &domain.Condition{Field: "grade", Op: domain.OpIn, Values: []any{"2", 3}}, Points: 1},
			{ID: "non_smoker_young", When: &domain.Condition{All: []domain.Condition{
				{Field: "smoker", Op: domain.OpIsFalse},
				{Not: &domain.Condition{Field: "age", Op: domain.OpGte, Value: 40}},
			}}, Points: -1},
			{ID: "either", When: &domain.Condition{Any: []domain.Condition{
				{Field: "smoker", Op: domain.OpIsTrue},
				{Field: "grade", Op: domain.OpEq, Value: "3"},
			}}, Points: 1},
		},
		Bands: []domain.Band{
			{Lower: ptr(-1), Upper: ptr(1), Label: "low", Severity: domain.SeverityLow},
			{Lower: ptr(1), Upper: ptr(3), Label: "high", Severity: domain.SeverityHigh},
		},
	}
	compiled := compile(t, def)
	assert.Equal(t, []string{"smoker", "age"}, compiled.Rules()[2].AppliesTo)

	result, err := compiled.Evaluate(context.Background(), map[string]any{"age": 70, "grade": 3})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result.Aggregate)

	result, err = compiled.Evaluate(context.Background(), map[string]any{"age": 30})
	require.NoError(t, err)
	assert.Equal(t, -1.0, result.Aggregate)
	assert.Equal(t, "low", result.Band.Label)

	result, err = compiled.Evaluate(context.Background(), map[string]any{"age": 75, "smoker": "on"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Aggregate, "between is half-open")
}

func TestCompileReportsEveryProblem(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "broken",
		Title: "Broken",
		Fields: []domain.FieldSchema{
			boolField("a"),
			boolField("a"),
			{ID: "n", Kind: domain.FieldNumber, Bounds: &domain.Bounds{Min: ptr(5), Max: ptr(1)}},
			{ID: "c", Kind: domain.FieldChoice},
		},
		Rules: []domain.Rule{
			{ID: "r1", When: isTrue("a"), Points: 1},
			{ID: "r1", When: isTrue("a"), Points: 1},
			{ID: "r2", When: isTrue("missing"), Points: 1},
			{ID: "r3", AppliesTo: []string{"a"}, When: &domain.Condition{Field: "n", Op: domain.OpGt, Value: 1}, Points: 1},
			{ID: "r4", AppliesTo: []string{"n"}, Expression: "n + 1.0", Points: 1},
			{ID: "r5", AppliesTo: []string{"a"}, Expression: "a && n > 1.0", Points: 1},
		},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(1), Label: "one", Severity: domain.SeverityLow},
			{Lower: ptr(2), Upper: ptr(3), Label: "two", Severity: domain.SeverityLow},
		},
	}

	_, err := newEngine(t).Compile(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	var cerr *domain.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "broken", cerr.DefinitionID)

	joined := cerr.Error()
	for _, want := range []string{
		"field a: duplicate id",
		"field n: bounds min 5 above max 1",
		"field c: choice field needs at least one choice",
		"rule r1: duplicate id",
		"rule r2: unknown field missing",
		"rule r3: predicate reads n outside appliesTo",
		"rule r4: predicate must return bool",
		"rule r5: compile",
		"gap between one and two",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestCompileRejectsBandsThatMissReach(t *testing.T) {
	def := curb65Definition()
	def.Bands = def.Bands[:2]

	_, err := newEngine(t).Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bands end at 3 but aggregate can reach 5")
}

func TestCompileRejectsUnknownChoiceLiteral(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "choices",
		Title: "Choices",
		Fields: []domain.FieldSchema{
			{ID: "sex", Kind: domain.FieldChoice, Required: true, Choices: []domain.Choice{{Value: "female"}, {Value: "male"}}},
		},
		Rules: []domain.Rule{
			{ID: "female", When: &domain.Condition{Field: "sex", Op: domain.OpEq, Value: "fmale"}, Points: 1},
		},
		Bands: []domain.Band{{Lower: ptr(0), Upper: ptr(1), Label: "any", Severity: domain.SeverityLow}},
	}

	_, err := newEngine(t).Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fmale`)
}

func TestCompileRejectsOptionalNumberWithoutUsableDefault(t *testing.T) {
	def := bmiDefinition()
	def.Fields[1].Required = false

	_, err := newEngine(t).Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field height: optional field needs a default")

	def.Fields[1].Default = 170.0
	compiled := compile(t, def)
	result, err := compiled.Evaluate(context.Background(), map[string]any{"weight": 72.25})
	require.NoError(t, err)
	assert.InDelta(t, 25.0, result.Aggregate, 0.001)
}

func TestCompiledDefinitionIsIsolated(t *testing.T) {
	def := chadsVascDefinition()
	compiled := compile(t, def)

	def.Rules[2].Points = 100
	def.Bands[2].Label = "changed"

	result, err := compiled.Evaluate(context.Background(), map[string]any{"age75": true})
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.Aggregate)
	assert.Equal(t, "High risk (≥2)", result.Band.Label)

	*result.Band.Lower = 42
	again, err := compiled.Evaluate(context.Background(), map[string]any{"age75": true})
	require.NoError(t, err)
	assert.Equal(t, 2.0, *again.Band.Lower)
}

func TestDigestIsStable(t *testing.T) {
	a := compile(t, bmiDefinition())
	b := compile(t, bmiDefinition())
	assert.Equal(t, a.Digest(), b.Digest())

	changed := bmiDefinition()
	changed.Version = "2"
	assert.NotEqual(t, a.Digest(), compile(t, changed).Digest())
}

func TestNonFiniteAggregateIsInternalError(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "ratio",
		Title: "Ratio",
		Fields: []domain.FieldSchema{
			{ID: "x", Kind: domain.FieldNumber, Required: true, Bounds: &domain.Bounds{Min: ptr(0), Max: ptr(10)}},
		},
		Aggregation: domain.Aggregation{Kind: domain.AggregateFormula, Formula: "1.0 / x"},
		Bands:       []domain.Band{{Label: "any", Severity: domain.SeverityLow}},
	}
	compiled := compile(t, def)

	_, err := compiled.Evaluate(context.Background(), map[string]any{"x": 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInternal))

	result, err := compiled.Evaluate(context.Background(), map[string]any{"x": 4})
	require.NoError(t, err)
	assert.Equal(t, 0.25, result.Aggregate)
}

func TestAggregateAboveDeclaredRangeTakesTerminalBand(t *testing.T) {
	def := &domain.ScoringDefinition{
		ID:    "passthrough",
		Title: "Passthrough",
		Fields: []domain.FieldSchema{
			{ID: "x", Kind: domain.FieldNumber, Required: true},
		},
		Aggregation: domain.Aggregation{Kind: domain.AggregateFormula, Formula: "x"},
		Range:       &domain.AggregateRange{Min: 0, Max: 10},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(5), Label: "low", Severity: domain.SeverityLow},
			{Lower: ptr(5), Upper: ptr(10), Label: "high", Severity: domain.SeverityHigh},
		},
	}
	compiled := compile(t, def)

	result, err := compiled.Evaluate(context.Background(), map[string]any{"x": 20})
	require.NoError(t, err)
	assert.Equal(t, 20.0, result.Aggregate)
	assert.Equal(t, "high", result.Band.Label)
}

func TestRuleEvaluateBindsOnlyItsFields(t *testing.T) {
	compiled := compile(t, wellsDVTDefinition())
	rule := compiled.Rules()[0]

	points, matched, err := rule.Evaluate(Values{"active_cancer": {Kind: domain.FieldBoolean, Bool: true}})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, 1.0, points)

	_, _, err = rule.Evaluate(Values{})
	assert.Error(t, err)
}
