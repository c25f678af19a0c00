package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hyperspacedb/hyperspace/internal/herr"
)

// encodePayload serializes rec per SPEC_FULL.md §6:
//
//	insert: op=1 ∥ id u32 ∥ dim u32 ∥ f64×dim ∥ mcount u32 ∥ (klen u32,k,vlen u32,v)×mcount
//	delete: op=2 ∥ id u32
func encodePayload(rec Record) ([]byte, error) {
	switch rec.Op {
	case OpInsert:
		size := 1 + 4 + 4 + 8*len(rec.Coords) + 4
		for k, v := range rec.Metadata {
			size += 4 + len(k) + 4 + len(v)
		}
		buf := make([]byte, size)
		off := 0
		buf[off] = OpInsert
		off++
		binary.LittleEndian.PutUint32(buf[off:], rec.ID)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Coords)))
		off += 4
		for _, c := range rec.Coords {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(c))
			off += 8
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Metadata)))
		off += 4
		for k, v := range rec.Metadata {
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(k)))
			off += 4
			off += copy(buf[off:], k)
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(v)))
			off += 4
			off += copy(buf[off:], v)
		}
		return buf, nil

	case OpDelete:
		buf := make([]byte, 1+4)
		buf[0] = OpDelete
		binary.LittleEndian.PutUint32(buf[1:], rec.ID)
		return buf, nil

	default:
		return nil, fmt.Errorf("wal: encode: unknown opcode %d", rec.Op)
	}
}

// decodePayload is the inverse of encodePayload. It returns
// herr.ErrWALCorrupt for any payload too short or inconsistent for its
// declared lengths, so Replay can treat it as a defective tail record.
func decodePayload(payload []byte) (Record, error) {
	if len(payload) < 1 {
		return Record{}, herr.ErrWALCorrupt
	}
	op := payload[0]
	switch op {
	case OpInsert:
		off := 1
		if len(payload) < off+8 {
			return Record{}, herr.ErrWALCorrupt
		}
		id := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		dim := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		coords := make([]float64, dim)
		for i := range coords {
			if len(payload) < off+8 {
				return Record{}, herr.ErrWALCorrupt
			}
			coords[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
			off += 8
		}
		if len(payload) < off+4 {
			return Record{}, herr.ErrWALCorrupt
		}
		mcount := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		var metadata map[string]string
		if mcount > 0 {
			metadata = make(map[string]string, mcount)
		}
		for i := uint32(0); i < mcount; i++ {
			if len(payload) < off+4 {
				return Record{}, herr.ErrWALCorrupt
			}
			klen := binary.LittleEndian.Uint32(payload[off:])
			off += 4
			if len(payload) < off+int(klen)+4 {
				return Record{}, herr.ErrWALCorrupt
			}
			k := string(payload[off : off+int(klen)])
			off += int(klen)
			vlen := binary.LittleEndian.Uint32(payload[off:])
			off += 4
			if len(payload) < off+int(vlen) {
				return Record{}, herr.ErrWALCorrupt
			}
			v := string(payload[off : off+int(vlen)])
			off += int(vlen)
			metadata[k] = v
		}
		if off != len(payload) {
			return Record{}, herr.ErrWALCorrupt
		}
		return Record{Op: OpInsert, ID: id, Coords: coords, Metadata: metadata}, nil

	case OpDelete:
		if len(payload) != 1+4 {
			return Record{}, herr.ErrWALCorrupt
		}
		id := binary.LittleEndian.Uint32(payload[1:])
		return Record{Op: OpDelete, ID: id}, nil

	default:
		return Record{}, herr.ErrWALCorrupt
	}
}
