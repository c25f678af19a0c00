package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// segment wraps one chunk_{N}.hyp memory mapping. Chunks never move once
// created; only the mapping's own read/write lock guards concurrent slot
// access within it, mirroring SPEC_FULL.md §4.1 ("chunks never move").
type segment struct {
	mu   sync.RWMutex
	mm   mmap.MMap
	file *os.File
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mm.Unmap(); err != nil {
		return err
	}
	return s.file.Close()
}

// MmapStore is the disk-backed VectorStore: one memory-mapped file per
// 2^16-slot chunk, named chunk_{N}.hyp, per SPEC_FULL.md §4.1 and §6.
type MmapStore struct {
	dir    string
	stride int

	segMu sync.RWMutex // guards growth of segs only; per-segment access uses segment.mu
	segs  []*segment

	count atomic.Uint32
}

// OpenMmapStore opens (or creates) a chunked mmap vector store rooted at
// dir. Existing chunk_{N}.hyp files are reopened in order; count must be set
// by the caller afterward (via SetCount, e.g. from snapshot restore or WAL
// replay) since the chunk files alone do not record how many slots are live.
func OpenMmapStore(dir string, stride int) (*MmapStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	s := &MmapStore{dir: dir, stride: stride}

	for i := 0; ; i++ {
		path := chunkPath(dir, i)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		seg, err := openSegment(path, stride)
		if err != nil {
			return nil, err
		}
		s.segs = append(s.segs, seg)
	}
	if len(s.segs) == 0 {
		seg, err := createSegment(chunkPath(dir, 0), stride)
		if err != nil {
			return nil, err
		}
		s.segs = append(s.segs, seg)
	}
	return s, nil
}

func chunkPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d.hyp", n))
}

func createSegment(path string, stride int) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create segment: %w", err)
	}
	size := int64(stride) * ChunkSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate segment: %w", err)
	}
	return mapSegment(f)
}

func openSegment(path string, stride int) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment: %w", err)
	}
	return mapSegment(f)
}

func mapSegment(f *os.File) (*segment, error) {
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		// A double-mapping/kernel-resource failure here is fatal per
		// SPEC_FULL.md §7; callers are expected to abort the process rather
		// than retry.
		return nil, fmt.Errorf("storage: mmap segment (fatal): %w", err)
	}
	return &segment{mm: mm, file: f}, nil
}

func (s *MmapStore) Stride() int { return s.stride }

func (s *MmapStore) segmentFor(id uint32) (*segment, int) {
	idx := int(id) / ChunkSize
	local := int(id) % ChunkSize
	s.segMu.RLock()
	defer s.segMu.RUnlock()
	if idx >= len(s.segs) {
		return nil, local
	}
	return s.segs[idx], local
}

func (s *MmapStore) ensureSegment(idx int) (*segment, error) {
	s.segMu.RLock()
	if idx < len(s.segs) {
		seg := s.segs[idx]
		s.segMu.RUnlock()
		return seg, nil
	}
	s.segMu.RUnlock()

	s.segMu.Lock()
	defer s.segMu.Unlock()
	for idx >= len(s.segs) {
		seg, err := createSegment(chunkPath(s.dir, len(s.segs)), s.stride)
		if err != nil {
			return nil, err
		}
		s.segs = append(s.segs, seg)
	}
	return s.segs[idx], nil
}

func (s *MmapStore) Append(bytes []byte) (uint32, error) {
	if err := checkStride(len(bytes), s.stride); err != nil {
		return 0, err
	}
	id := s.count.Add(1) - 1
	idx := int(id) / ChunkSize
	local := int(id) % ChunkSize

	seg, err := s.ensureSegment(idx)
	if err != nil {
		return 0, err
	}
	off := local * s.stride
	seg.mu.Lock()
	copy(seg.mm[off:off+s.stride], bytes)
	seg.mu.Unlock()
	return id, nil
}

func (s *MmapStore) Get(id uint32) ([]byte, error) {
	if id >= s.count.Load() {
		return nil, errOutOfBounds(id, s.count.Load())
	}
	seg, local := s.segmentFor(id)
	if seg == nil {
		return nil, errOutOfBounds(id, s.count.Load())
	}
	off := local * s.stride
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	out := make([]byte, s.stride)
	copy(out, seg.mm[off:off+s.stride])
	return out, nil
}

func (s *MmapStore) Update(id uint32, bytes []byte) error {
	if err := checkStride(len(bytes), s.stride); err != nil {
		return err
	}
	if id >= s.count.Load() {
		return errOutOfBounds(id, s.count.Load())
	}
	seg, local := s.segmentFor(id)
	if seg == nil {
		return errOutOfBounds(id, s.count.Load())
	}
	off := local * s.stride
	seg.mu.Lock()
	copy(seg.mm[off:off+s.stride], bytes)
	seg.mu.Unlock()
	return nil
}

func (s *MmapStore) Count() uint32 { return s.count.Load() }

func (s *MmapStore) SetCount(n uint32) {
	// Ensure enough segments exist to cover n so subsequent Get calls never
	// hit a missing chunk file.
	idx := 0
	if n > 0 {
		idx = int(n-1) / ChunkSize
	}
	_, _ = s.ensureSegment(idx)
	s.count.Store(n)
}

func (s *MmapStore) Export() []byte {
	n := s.count.Load()
	out := make([]byte, 0, int(n)*s.stride)
	remaining := int(n) * s.stride

	s.segMu.RLock()
	segs := append([]*segment(nil), s.segs...)
	s.segMu.RUnlock()

	for _, seg := range segs {
		if remaining <= 0 {
			break
		}
		seg.mu.RLock()
		take := len(seg.mm)
		if take > remaining {
			take = remaining
		}
		out = append(out, seg.mm[:take]...)
		seg.mu.RUnlock()
		remaining -= take
	}
	return out
}

func (s *MmapStore) Close() error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	var firstErr error
	for _, seg := range s.segs {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
