package metric

import "math"

// acoshClampScalar floors x to at least 1+ε before taking acosh, per
// SPEC_FULL.md §4.3's scalar numerical policy.
func acoshClampScalar(x float64) float64 {
	if x < 1+acoshEpsilonScalar {
		x = 1 + acoshEpsilonScalar
	}
	return math.Acosh(x)
}

// Poincare implements the ball-model hyperbolic metric. The surrogate
// distance (1 + 2δ) and the alpha precompute are both taken verbatim from
// original_source/crates/hyperspace-core/src/vector.rs's
// poincare_distance_sq, the project's own stated "hottest function".
type Poincare struct{}

func (Poincare) Name() string { return "poincare" }

func sqNorm(coords []float64) float64 {
	sum := 0.0
	for _, c := range coords {
		sum += c * c
	}
	return sum
}

func (Poincare) Validate(coords []float64) error {
	for _, c := range coords {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return errNonFinite
		}
	}
	if sqNorm(coords) >= poincareNormCeiling {
		return errPoincareNormBound
	}
	return nil
}

// Precompute returns α = 1/(1-‖x‖²). The stored vector layout has no slot for
// it, so DistanceFull calls Precompute on both arguments for every distance
// rather than reading a stored value.
func (Poincare) Precompute(coords []float64) float64 {
	return 1.0 / (1.0 - sqNorm(coords))
}

// DistanceFull computes δ = ‖u-v‖² · α_u · α_v and returns the rank-preserving
// surrogate 1+2δ, skipping the final acosh as SPEC_FULL.md §4.3 prescribes
// for the HNSW inner loop.
func (p Poincare) DistanceFull(a, b []float64) float64 {
	if err := checkDim(a, b); err != nil {
		return math.Inf(1)
	}
	alphaA := p.Precompute(a)
	alphaB := p.Precompute(b)
	delta := sqL2(a, b) * alphaA * alphaB
	return 1.0 + 2.0*delta
}

// TrueDistance applies the acosh transform DistanceFull skipped.
func (p Poincare) TrueDistance(a, b []float64) float64 {
	return acoshClampScalar(p.DistanceFull(a, b))
}

func (p Poincare) DistanceQuantized(q QuantizedVector, full []float64) float64 {
	approx := dequantize(q, len(full))
	return p.DistanceFull(approx, full)
}

func (Poincare) Quantize(coords []float64, mode Quantization) (QuantizedVector, error) {
	return quantizeByMode(coords, mode)
}
