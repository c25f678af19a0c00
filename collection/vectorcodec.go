package collection

import (
	"encoding/binary"
	"math"
)

// stride returns the fixed per-vector byte size for a dim-dimensional
// collection: one float64 per coordinate, per SPEC_FULL.md §4.1/§9.
func stride(dim int) int { return dim * 8 }

// encodeVector serializes coords into the fixed-stride on-disk layout.
func encodeVector(coords []float64) []byte {
	buf := make([]byte, len(coords)*8)
	for i, c := range coords {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(c))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(raw []byte) []float64 {
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out
}

// storageSource adapts a storage.Store into an index.VectorSource.
type storageSource struct {
	store interface {
		Get(id uint32) ([]byte, error)
	}
}

func (s storageSource) Coords(id uint32) ([]float64, error) {
	raw, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return decodeVector(raw), nil
}
