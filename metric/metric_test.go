package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEuclideanDistance(t *testing.T) {
	e := Euclidean{}
	a := []float64{1, 2, 3}
	b := []float64{4, 5, 6}
	require.InDelta(t, 27.0, e.DistanceFull(a, b), 1e-9)
}

func TestCosineDistance(t *testing.T) {
	c := Cosine{}
	a := []float64{1, 0}
	b := []float64{0, 1}
	require.InDelta(t, 2.0, c.DistanceFull(a, b), 1e-9)
	require.InDelta(t, 0.0, c.DistanceFull(a, a), 1e-9)

	opp := []float64{-1, 0}
	require.InDelta(t, 4.0, c.DistanceFull(a, opp), 1e-9)

	require.NoError(t, c.Validate(a))
	require.Error(t, c.Validate([]float64{1, 1})) // not unit norm
}

// TestPoincareValidationRejection covers SPEC_FULL.md §8 scenario 2: a point
// with ‖v‖² = 1.28 is outside the Poincaré ball.
func TestPoincareValidationRejection(t *testing.T) {
	p := Poincare{}
	require.NoError(t, p.Validate([]float64{0.1, 0.2}))
	require.Error(t, p.Validate([]float64{1.0, 0.0})) // norm == 1, boundary
	require.Error(t, p.Validate([]float64{0.8, 0.8})) // norm sq = 1.28
}

func TestLorentzDistanceAndValidation(t *testing.T) {
	l := Lorentz{}
	r := 1.5
	x0 := []float64{1.0, 0.0, 0.0}
	x1 := []float64{math.Cosh(r), math.Sinh(r), 0.0}

	require.NoError(t, l.Validate(x0))
	require.NoError(t, l.Validate(x1))

	require.InDelta(t, r, l.TrueDistance(x0, x1), 1e-9)

	invalid := []float64{-1.0, 0.0, 0.0}
	require.Error(t, l.Validate(invalid))
}

func TestLorentzBinaryQuantizationUnsupported(t *testing.T) {
	l := Lorentz{}
	_, err := l.Quantize([]float64{1, 0, 0}, QuantBinary)
	require.Error(t, err)
}

// TestQuantizeDequantizePreservesRankOrder exercises the invariant from
// SPEC_FULL.md §8: quantize-dequantize should preserve the relative ordering
// of distances among points on the same manifold, within a 15% relative
// error budget against the full-precision distance.
func TestQuantizeDequantizePreservesRankOrder(t *testing.T) {
	e := Euclidean{}
	origin := []float64{0, 0, 0, 0}
	near := []float64{1, 0, 0, 0}
	far := []float64{5, 5, 5, 5}

	qOrigin, err := e.Quantize(origin, QuantScalar8)
	require.NoError(t, err)

	dNear := e.DistanceQuantized(qOrigin, near)
	dFar := e.DistanceQuantized(qOrigin, far)
	require.Less(t, dNear, dFar)

	exactNear := e.DistanceFull(origin, near)
	if exactNear > 0 {
		relErr := math.Abs(dNear-exactNear) / exactNear
		require.LessOrEqual(t, relErr, 0.15)
	}
}

func TestMetricNewRejectsUnknown(t *testing.T) {
	_, err := New("minkowski-special")
	require.Error(t, err)
}

func TestMetricNewKnownNames(t *testing.T) {
	for _, name := range []string{"euclidean", "cosine", "poincare", "lorentz"} {
		m, err := New(name)
		require.NoError(t, err)
		require.Equal(t, name, m.Name())
	}
}
