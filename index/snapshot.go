package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/rand"
	"os"

	"github.com/RoaringBitmap/roaring"

	"github.com/hyperspacedb/hyperspace/internal/herr"
	"github.com/hyperspacedb/hyperspace/metric"
)

// Snapshot codec: no zero-copy/archive serialization library appears
// anywhere in the retrieved corpus (Rust's rkyv, referenced in
// original_source, has no represented Go equivalent among the examples), so
// the binary layout is hand-rolled over encoding/binary with an explicit
// CRC32 footer validated before any struct is constructed — see DESIGN.md's
// justified-stdlib-fallback entry for this file. Bitmap payloads (inverted
// index, tombstones) still use roaring.Bitmap's own ToBytes/UnmarshalBinary
// rather than reinventing bitmap serialization.

const snapshotMagic uint32 = 0x48535350 // "HSSP"

// Save serializes the graph and metadata to path as a single CRC-validated
// binary blob, per SPEC_FULL.md §4.4/§6.
func (idx *Index) Save(path string) error {
	var buf bytes.Buffer

	writeU32(&buf, snapshotMagic)
	writeU32(&buf, uint32(idx.maxLayer.Load()))
	writeU32(&buf, idx.entryPoint.Load())

	idx.mu.RLock()
	nodes := append([]*node(nil), idx.nodes...)
	idx.mu.RUnlock()

	writeU32(&buf, uint32(len(nodes)))
	for id, n := range nodes {
		writeU32(&buf, uint32(id))
		if n == nil {
			writeU32(&buf, 0)
			continue
		}
		writeU32(&buf, uint32(len(n.layers)))
		for _, l := range n.layers {
			nbs := l.snapshot()
			writeU32(&buf, uint32(len(nbs)))
			for _, nb := range nbs {
				writeU32(&buf, nb)
			}
		}
	}

	idx.meta.forwardMu.RLock()
	writeU32(&buf, uint32(len(idx.meta.forward)))
	for id, kv := range idx.meta.forward {
		writeU32(&buf, id)
		writeU32(&buf, uint32(len(kv)))
		for k, v := range kv {
			writeString(&buf, k)
			writeString(&buf, v)
		}
	}
	idx.meta.forwardMu.RUnlock()

	idx.meta.invertedMu.RLock()
	writeU32(&buf, uint32(len(idx.meta.inverted)))
	for key, bm := range idx.meta.inverted {
		writeString(&buf, key)
		bmBytes, err := bm.ToBytes()
		if err != nil {
			idx.meta.invertedMu.RUnlock()
			return fmt.Errorf("index: serialize inverted bitmap: %w", err)
		}
		writeBytes(&buf, bmBytes)
	}
	idx.meta.invertedMu.RUnlock()

	idx.tombstoneMu.RLock()
	tombBytes, err := idx.tombstones.ToBytes()
	idx.tombstoneMu.RUnlock()
	if err != nil {
		return fmt.Errorf("index: serialize tombstones: %w", err)
	}
	writeBytes(&buf, tombBytes)

	payload := buf.Bytes()
	checksum := crc32.ChecksumIEEE(payload)

	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], checksum)

	return os.WriteFile(path, out, 0o644)
}

// Load validates the archive's structural integrity (magic + CRC32) before
// reconstructing any in-memory structure, per SPEC_FULL.md §4.4.
func Load(path string, dim int, m metric.Metric, src VectorSource) (*Index, uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("index: load: %w", err)
	}
	if len(raw) < 4 {
		return nil, 0, herr.ErrSnapshotCorrupt
	}
	payload, wantCRC := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, herr.ErrSnapshotCorrupt
	}

	r := bytes.NewReader(payload)
	magic, err := readU32(r)
	if err != nil || magic != snapshotMagic {
		return nil, 0, herr.ErrSnapshotCorrupt
	}

	maxLayer, err := readU32(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}
	entryPoint, err := readU32(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}

	nodeCount, err := readU32(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}

	idx := &Index{
		dim:        dim,
		metric:     m,
		source:     src,
		tombstones: roaring.New(),
		meta:       newMetadataStore(),
	}

	idx.nodes = make([]*node, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		id, err := readU32(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		layerCount, err := readU32(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		if layerCount == 0 {
			continue
		}
		n := &node{id: id, layers: make([]*layerLinks, layerCount)}
		for l := uint32(0); l < layerCount; l++ {
			nbCount, err := readU32(r)
			if err != nil {
				return nil, 0, herr.ErrSnapshotCorrupt
			}
			nbs := make([]uint32, nbCount)
			for k := range nbs {
				nbs[k], err = readU32(r)
				if err != nil {
					return nil, 0, herr.ErrSnapshotCorrupt
				}
			}
			n.layers[l] = &layerLinks{neighbors: nbs}
		}
		if int(id) < len(idx.nodes) {
			idx.nodes[id] = n
		}
	}

	fwdCount, err := readU32(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}
	for i := uint32(0); i < fwdCount; i++ {
		id, err := readU32(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		kvCount, err := readU32(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		meta := make(map[string]string, kvCount)
		for j := uint32(0); j < kvCount; j++ {
			k, err := readString(r)
			if err != nil {
				return nil, 0, herr.ErrSnapshotCorrupt
			}
			v, err := readString(r)
			if err != nil {
				return nil, 0, herr.ErrSnapshotCorrupt
			}
			meta[k] = v
		}
		idx.meta.forward[id] = meta
	}

	invCount, err := readU32(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}
	for i := uint32(0); i < invCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		bmBytes, err := readBytes(r)
		if err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(bmBytes); err != nil {
			return nil, 0, herr.ErrSnapshotCorrupt
		}
		idx.meta.inverted[key] = bm
	}

	tombBytes, err := readBytes(r)
	if err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}
	if err := idx.tombstones.UnmarshalBinary(tombBytes); err != nil {
		return nil, 0, herr.ErrSnapshotCorrupt
	}

	idx.maxLayer.Store(int32(maxLayer))
	idx.entryPoint.Store(entryPoint)
	if nodeCount > 0 {
		idx.hasEntry.Store(true)
	}
	idx.rng = rand.New(rand.NewSource(1))
	p := DefaultParams()
	idx.params.Store(&p)

	return idx, nodeCount, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, herr.ErrSnapshotCorrupt
	}
	return n, nil
}
