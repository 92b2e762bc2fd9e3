package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/rules"
)

func ptr(v float64) *float64 { return &v }

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	engine, err := rules.NewEngine()
	require.NoError(t, err)
	return New(engine, nil, 4)
}

// bundledCatalog loads the definitions embedded in the binary.
func bundledCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat := newCatalog(t)
	loader, err := NewLoader(domain.CatalogConfig{Bundled: true}, nil, nil)
	require.NoError(t, err)
	_, err = loader.Reload(context.Background(), cat)
	require.NoError(t, err)
	return cat
}

func simpleDefinition(id string) *domain.ScoringDefinition {
	return &domain.ScoringDefinition{
		ID:     id,
		Title:  id,
		Fields: []domain.FieldSchema{{ID: "flag", Kind: domain.FieldBoolean}},
		Rules:  []domain.Rule{{ID: "flag", When: &domain.Condition{Field: "flag", Op: domain.OpIsTrue}, Points: 1}},
		Bands: []domain.Band{
			{Lower: ptr(0), Upper: ptr(1), Label: "no", Severity: domain.SeverityLow},
			{Lower: ptr(1), Upper: ptr(1), Label: "yes", Severity: domain.SeverityHigh},
		},
	}
}

func TestBundledCatalogLoadsCleanly(t *testing.T) {
	cat := bundledCatalog(t)

	assert.Empty(t, cat.Rejected())
	assert.Equal(t, 14, cat.Count())

	var ids []string
	for _, cd := range cat.List() {
		ids = append(ids, cd.ID())
		assert.Empty(t, rules.CheckBands(cd.Definition().Bands, cd.Reach()), cd.ID())
		assert.NotEmpty(t, cd.Digest(), cd.ID())
	}
	assert.Equal(t, []string{
		"apache-ii", "bmi", "centor-mcisaac", "cha2ds2-vasc", "child-pugh", "curb-65",
		"egfr-ckd-epi-2021", "glasgow-coma-scale", "has-bled", "meld", "news2", "qsofa",
		"wells-dvt", "wells-pe",
	}, ids)
}

func TestBundledScenarios(t *testing.T) {
	cat := bundledCatalog(t)
	ctx := context.Background()

	t.Run("bmi", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "bmi", map[string]any{"weight": 70, "height": 175})
		require.NoError(t, err)
		assert.InDelta(t, 22.857, result.Aggregate, 0.001)
		assert.Equal(t, "Normal weight", result.Band.Label)
	})

	t.Run("cha2ds2-vasc", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "cha2ds2-vasc", map[string]any{"age_75": true, "female": true})
		require.NoError(t, err)
		assert.Equal(t, 3.0, result.Aggregate)
		assert.Equal(t, "High risk (≥2)", result.Band.Label)
	})

	t.Run("wells-pe", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "wells-pe", map[string]any{"heart_rate_over_100": true, "malignancy": true})
		require.NoError(t, err)
		assert.Equal(t, 2.5, result.Aggregate)
		assert.Equal(t, "Low probability (≤4)", result.Band.Label)
	})

	t.Run("curb-65 with nothing checked", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "curb-65", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, 0.0, result.Aggregate)
		assert.Equal(t, "Low risk", result.Band.Label)
	})

	t.Run("egfr rejects negative age", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "egfr-ckd-epi-2021", map[string]any{"creatinine": 1.0, "age": -5})
		assert.Nil(t, result)
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Errors, 1)
		assert.Equal(t, "age", verr.Errors[0].FieldID)
		assert.Equal(t, domain.FieldOutOfRange, verr.Errors[0].Kind)
	})

	t.Run("wells-dvt negative points", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "wells-dvt", map[string]any{
			"active_cancer":         true,
			"calf_swelling":         true,
			"previous_dvt":          true,
			"alternative_diagnosis": true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.Aggregate)
		assert.Equal(t, "Moderate probability", result.Band.Label)
	})

	t.Run("glasgow coma scale", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "glasgow-coma-scale", map[string]any{"eye": 4, "verbal": "5", "motor": 6})
		require.NoError(t, err)
		assert.Equal(t, 15.0, result.Aggregate)
		assert.Equal(t, "Mild brain injury", result.Band.Label)

		result, err = cat.Evaluate(ctx, "glasgow-coma-scale", map[string]any{"eye": 1, "verbal": 1, "motor": 1})
		require.NoError(t, err)
		assert.Equal(t, 3.0, result.Aggregate)
		assert.Equal(t, domain.SeverityCritical, result.Band.Severity)
	})

	t.Run("meld floors values at 1", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "meld", map[string]any{"bilirubin": 0.5, "creatinine": 0.8, "inr": 1.0})
		require.NoError(t, err)
		assert.Equal(t, 6.0, result.Aggregate)
		assert.Equal(t, "Under 10", result.Band.Label)
	})

	t.Run("child-pugh class A", func(t *testing.T) {
		result, err := cat.Evaluate(ctx, "child-pugh", map[string]any{
			"bilirubin": 1.0, "albumin": 4.0, "inr": 1.1, "ascites": "none", "encephalopathy": "none",
		})
		require.NoError(t, err)
		assert.Equal(t, 5.0, result.Aggregate)
		assert.Equal(t, "Class A", result.Band.Label)
	})

	t.Run("news2", func(t *testing.T) {
		inputs := map[string]any{
			"respiratory_rate": 18, "spo2": 97, "systolic_bp": 120, "heart_rate": 80, "temperature": 37,
		}
		result, err := cat.Evaluate(ctx, "news2", inputs)
		require.NoError(t, err)
		assert.Equal(t, 0.0, result.Aggregate)

		inputs["consciousness"] = "cvpu"
		inputs["supplemental_oxygen"] = true
		result, err = cat.Evaluate(ctx, "news2", inputs)
		require.NoError(t, err)
		assert.Equal(t, 5.0, result.Aggregate)
		assert.Equal(t, "Medium (5-6)", result.Band.Label)
	})

	t.Run("apache-ii", func(t *testing.T) {
		inputs := map[string]any{
			"temperature": 37, "mean_arterial_pressure": 90, "heart_rate": 80, "respiratory_rate": 16,
			"arterial_ph": 7.4, "sodium": 140, "potassium": 4, "creatinine": 1.0, "hematocrit": 40,
			"white_cell_count": 8, "age": 30, "gcs": 15,
		}
		result, err := cat.Evaluate(ctx, "apache-ii", inputs)
		require.NoError(t, err)
		assert.Equal(t, 0.0, result.Aggregate)

		inputs["creatinine"] = 2.5
		inputs["acute_renal_failure"] = true
		inputs["gcs"] = 13
		result, err = cat.Evaluate(ctx, "apache-ii", inputs)
		require.NoError(t, err)
		assert.Equal(t, 8.0, result.Aggregate)
		assert.Equal(t, "5 to 9", result.Band.Label)
	})
}

func TestEvaluateUnknownDefinition(t *testing.T) {
	cat := newCatalog(t)

	_, err := cat.Evaluate(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, domain.ErrUnknownDefinition))
}

func TestLoadExcludesBrokenDefinitions(t *testing.T) {
	cat := newCatalog(t)

	broken := simpleDefinition("broken")
	broken.Bands = nil

	rejected := cat.Load(context.Background(), []*domain.ScoringDefinition{
		simpleDefinition("good"),
		broken,
		simpleDefinition("good"),
	})

	require.Len(t, rejected, 2)
	assert.Equal(t, "broken", rejected[0].DefinitionID)
	assert.Equal(t, "good", rejected[1].DefinitionID)
	assert.Contains(t, rejected[1].Problems, "duplicate definition id")

	assert.Equal(t, 1, cat.Count())
	_, ok := cat.Get("good")
	assert.True(t, ok)
	assert.Len(t, cat.Rejected(), 2)
}

func TestLoadReplacesActiveSet(t *testing.T) {
	cat := newCatalog(t)
	ctx := context.Background()

	cat.Load(ctx, []*domain.ScoringDefinition{simpleDefinition("a"), simpleDefinition("b")})
	require.Equal(t, 2, cat.Count())

	cat.Load(ctx, []*domain.ScoringDefinition{simpleDefinition("c")})
	assert.Equal(t, 1, cat.Count())
	_, ok := cat.Get("a")
	assert.False(t, ok)
}

func TestTenantScoping(t *testing.T) {
	cat := newCatalog(t)
	cat.Load(context.Background(), []*domain.ScoringDefinition{simpleDefinition("shared"), simpleDefinition("other")})

	custom := simpleDefinition("shared")
	custom.TenantID = "acme"
	custom.Title = "Acme override"
	_, replaced, err := cat.Add(custom)
	require.NoError(t, err)
	assert.Nil(t, replaced)

	cd, ok := cat.Resolve("acme", "shared")
	require.True(t, ok)
	assert.Equal(t, "Acme override", cd.Definition().Title)

	cd, ok = cat.Resolve("globex", "shared")
	require.True(t, ok)
	assert.Equal(t, "shared", cd.Definition().Title)

	visible := cat.ListFor("acme")
	require.Len(t, visible, 2)
	assert.Equal(t, "acme", visible[1].TenantID())
	assert.Len(t, cat.List(), 3)

	assert.True(t, cat.Remove("acme", "shared"))
	assert.False(t, cat.Remove("acme", "shared"))
	cd, _ = cat.Resolve("acme", "shared")
	assert.Equal(t, "shared", cd.Definition().Title)
}

func TestAddRejectsInvalidDefinition(t *testing.T) {
	cat := newCatalog(t)

	def := simpleDefinition("bad")
	def.Rules[0].When.Field = "missing"

	_, _, err := cat.Add(def)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Zero(t, cat.Count())
}

func TestRestoreUndoesAdd(t *testing.T) {
	cat := newCatalog(t)
	cat.Load(context.Background(), []*domain.ScoringDefinition{simpleDefinition("shared")})
	original, ok := cat.Get("shared")
	require.True(t, ok)

	replacement := simpleDefinition("shared")
	replacement.Title = "Replacement"
	_, replaced, err := cat.Add(replacement)
	require.NoError(t, err)
	assert.Same(t, original, replaced)

	cat.Restore("", "shared", replaced)
	cd, ok := cat.Get("shared")
	require.True(t, ok)
	assert.Same(t, original, cd)

	_, replaced, err = cat.Add(simpleDefinition("fresh"))
	require.NoError(t, err)
	require.Nil(t, replaced)
	cat.Restore(domain.GlobalTenantID, "fresh", replaced)
	_, ok = cat.Get("fresh")
	assert.False(t, ok)
	assert.Equal(t, 1, cat.Count())
}
