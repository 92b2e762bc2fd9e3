package rules

import (
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// mathFunctions are the numeric helpers available to predicates and formulas.
// Clinical equations (CKD-EPI, MELD, BMI) need powers and logarithms, which
// CEL does not provide out of the box.
func mathFunctions() []cel.EnvOption {
	dd := []*cel.Type{cel.DoubleType, cel.DoubleType}
	d := []*cel.Type{cel.DoubleType}

	return []cel.EnvOption{
		cel.Function("pow",
			cel.Overload("pow_double_double", dd, cel.DoubleType,
				cel.BinaryBinding(binaryMath(math.Pow)))),
		cel.Function("min",
			cel.Overload("min_double_double", dd, cel.DoubleType,
				cel.BinaryBinding(binaryMath(math.Min)))),
		cel.Function("max",
			cel.Overload("max_double_double", dd, cel.DoubleType,
				cel.BinaryBinding(binaryMath(math.Max)))),
		cel.Function("ln",
			cel.Overload("ln_double", d, cel.DoubleType,
				cel.UnaryBinding(unaryMath(math.Log)))),
		cel.Function("log10",
			cel.Overload("log10_double", d, cel.DoubleType,
				cel.UnaryBinding(unaryMath(math.Log10)))),
		cel.Function("exp",
			cel.Overload("exp_double", d, cel.DoubleType,
				cel.UnaryBinding(unaryMath(math.Exp)))),
		cel.Function("abs",
			cel.Overload("abs_double", d, cel.DoubleType,
				cel.UnaryBinding(unaryMath(math.Abs)))),
		cel.Function("round",
			cel.Overload("round_double_int", []*cel.Type{cel.DoubleType, cel.IntType}, cel.DoubleType,
				cel.BinaryBinding(roundTo))),
		cel.Function("clamp",
			cel.Overload("clamp_double_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.FunctionBinding(clamp))),
	}
}

func unaryMath(fn func(float64) float64) func(ref.Val) ref.Val {
	return func(v ref.Val) ref.Val {
		x, ok := v.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(v)
		}
		return types.Double(fn(float64(x)))
	}
}

func binaryMath(fn func(float64, float64) float64) func(ref.Val, ref.Val) ref.Val {
	return func(lhs, rhs ref.Val) ref.Val {
		a, ok := lhs.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(lhs)
		}
		b, ok := rhs.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(rhs)
		}
		return types.Double(fn(float64(a), float64(b)))
	}
}

func roundTo(lhs, rhs ref.Val) ref.Val {
	x, ok := lhs.(types.Double)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}
	places, ok := rhs.(types.Int)
	if !ok {
		return types.MaybeNoSuchOverloadErr(rhs)
	}
	scale := math.Pow(10, float64(places))
	return types.Double(math.Round(float64(x)*scale) / scale)
}

func clamp(args ...ref.Val) ref.Val {
	if len(args) != 3 {
		return types.NewErr("clamp: expected 3 arguments, got %d", len(args))
	}
	vals := make([]float64, 3)
	for i, a := range args {
		d, ok := a.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(a)
		}
		vals[i] = float64(d)
	}
	return types.Double(math.Max(vals[1], math.Min(vals[2], vals[0])))
}
