// Package metric implements the distance strategies of SPEC_FULL.md §4.3: a
// small, finite set of monomorphized engines (Euclidean, Cosine, Poincaré,
// Lorentz) selected once at collection-create time, each exposing a
// rank-preserving surrogate distance for the HNSW inner loop and a true
// geodesic distance for user-facing results.
//
// Kernels lean on gonum.org/v1/gonum/floats for the vectorized sum/dot
// primitives, following the numerical style of the teacher's benchmark
// harness (github.com/dreamsxin/wal/bench), which itself leans on gonum for
// histogram statistics; distance computation has no teacher analogue so the
// kernels are grounded directly in original_source/crates/hyperspace-core.
package metric

import (
	"fmt"
	"math"

	"github.com/hyperspacedb/hyperspace/internal/herr"
)

// Quantization selects how stored vectors are compressed, per SPEC_FULL.md
// §4.3/§4.6.
type Quantization int

const (
	QuantNone Quantization = iota
	QuantScalar8
	QuantBinary
)

func (q Quantization) String() string {
	switch q {
	case QuantNone:
		return "none"
	case QuantScalar8:
		return "scalar"
	case QuantBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// acoshEpsilonScalar is the clamp floor for acosh arguments in the scalar
// (non-SIMD) code path, per SPEC_FULL.md §4.3.
const acoshEpsilonScalar = 1e-12

// poincareNormCeiling is the validation ceiling ‖x‖² < 1 - 1e-9.
const poincareNormCeiling = 1.0 - 1e-9

// QuantizedVector is the compressed on-disk representation of a vector: for
// scalar-8 mode, signed byte coefficients plus a per-vector dequantization
// scale; for binary mode, a packed sign bitset plus a norm.
type QuantizedVector struct {
	Scalar8 []int8
	Scale   float64

	BinaryBits []uint64
	BinaryNorm float64
}

// Metric is the uniform engine-facing interface every (dimension, flavor)
// combination implements. A single Metric instance is fixed for the
// lifetime of a collection: SPEC_FULL.md §4.3 calls for a small finite set of
// monomorphized engines rather than per-call virtual dispatch, so callers
// are expected to hold on to one Metric per collection rather than
// constructing one per query.
type Metric interface {
	// Name identifies the metric for meta.json and logging.
	Name() string

	// Validate rejects coordinates that violate the metric's manifold
	// constraint (e.g. Poincaré ‖x‖² ≥ 1, Lorentz non-timelike).
	Validate(coords []float64) error

	// DistanceFull returns the rank-preserving surrogate distance between two
	// full-precision vectors. Monotone with the true geodesic distance; not
	// necessarily equal to it (Poincaré/Lorentz skip the final acosh).
	DistanceFull(a, b []float64) float64

	// TrueDistance applies any final transform (e.g. acosh) DistanceFull
	// skipped, for user-facing results.
	TrueDistance(a, b []float64) float64

	// DistanceQuantized computes an asymmetric surrogate distance between a
	// quantized stored vector and a full-precision query vector.
	DistanceQuantized(q QuantizedVector, full []float64) float64

	// Quantize converts a full-precision vector to its quantized form using
	// the given Quantization mode, scale = max(|coord|).
	Quantize(coords []float64, mode Quantization) (QuantizedVector, error)

	// Precompute derives any metric-specific scalar of a vector (Poincaré's
	// α, Lorentz's nothing extra — x0 is already a coordinate). Returns 0 for
	// metrics with no precomputed scalar. The result is not stored alongside
	// the raw coordinates.
	Precompute(coords []float64) float64
}

// New constructs the Metric engine for name, erroring on an unrecognized
// metric identifier (meta.json's "metric" field, per SPEC_FULL.md §6).
func New(name string) (Metric, error) {
	switch name {
	case "euclidean":
		return Euclidean{}, nil
	case "cosine":
		return Cosine{}, nil
	case "poincare":
		return Poincare{}, nil
	case "lorentz":
		return Lorentz{}, nil
	default:
		return nil, fmt.Errorf("metric: unknown metric %q", name)
	}
}

func quantizeScalar8(coords []float64) QuantizedVector {
	scale := 0.0
	for _, c := range coords {
		if a := math.Abs(c); a > scale {
			scale = a
		}
	}
	q := make([]int8, len(coords))
	if scale > 0 {
		for i, c := range coords {
			v := math.Round(c / scale * 127)
			if v > 127 {
				v = 127
			}
			if v < -127 {
				v = -127
			}
			q[i] = int8(v)
		}
	}
	return QuantizedVector{Scalar8: q, Scale: scale}
}

func dequantizeScalar8(q QuantizedVector) []float64 {
	out := make([]float64, len(q.Scalar8))
	for i, v := range q.Scalar8 {
		out[i] = float64(v) / 127 * q.Scale
	}
	return out
}

func quantizeBinary(coords []float64) QuantizedVector {
	words := (len(coords) + 63) / 64
	bits := make([]uint64, words)
	sumSq := 0.0
	for i, c := range coords {
		sumSq += c * c
		if c >= 0 {
			bits[i/64] |= 1 << uint(i%64)
		}
	}
	return QuantizedVector{BinaryBits: bits, BinaryNorm: math.Sqrt(sumSq)}
}

func checkDim(a, b []float64) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", herr.ErrDimensionMismatch, len(a), len(b))
	}
	return nil
}
