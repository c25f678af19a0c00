// Package index implements the layered HNSW proximity graph of
// SPEC_FULL.md §4.4: zoom-in greedy descent, heuristic-pruned link-in,
// bounded best-first search at layer 0, tombstone-based soft delete, and a
// CRC-validated binary snapshot codec.
//
// The outer/inner lock split (RWMutex on the node slice, per-node-per-layer
// RWMutex on neighbor sets) follows the concurrency policy of
// SPEC_FULL.md §5; RoaringBitmap is used for tombstones and the inverted
// metadata index, grounded on other_examples/manifests/kungtalon-vecdb-go's
// go.mod which lists github.com/RoaringBitmap/roaring as a vector-search
// dependency.
package index

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/hyperspacedb/hyperspace/internal/herr"
	"github.com/hyperspacedb/hyperspace/metric"
)

// Params are the runtime-adjustable HNSW tuning knobs, per SPEC_FULL.md §4.4.
type Params struct {
	M              int
	EfConstruction int
	EfSearch       int
	LevelP         float64
	LMax           int
}

// DefaultParams matches SPEC_FULL.md §4.4's defaults.
func DefaultParams() Params {
	return Params{
		M:              16,
		EfConstruction: 100,
		EfSearch:       100,
		LevelP:         0.5,
		LMax:           16,
	}
}

// node is one vector's position in the graph: its per-layer neighbor sets,
// each independently lockable so concurrent link-in on different layers of
// different nodes never contends.
type node struct {
	id     uint32
	layers []*layerLinks
}

type layerLinks struct {
	mu        sync.RWMutex
	neighbors []uint32
}

func (l *layerLinks) snapshot() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint32, len(l.neighbors))
	copy(out, l.neighbors)
	return out
}

func (l *layerLinks) set(ids []uint32) {
	l.mu.Lock()
	l.neighbors = ids
	l.mu.Unlock()
}

// candidate is a (distance, id) pair used throughout search and link-in.
type candidate struct {
	id   uint32
	dist float64
}

// VectorSource resolves a node id to its full-precision coordinates. The
// index itself stores no vector bytes; CollectionEngine wires it to a
// storage.Store-backed accessor.
type VectorSource interface {
	Coords(id uint32) ([]float64, error)
}

// Index is the layered HNSW graph. One Index per collection, fixed
// dimension and metric for its lifetime.
type Index struct {
	dim    int
	metric metric.Metric
	source VectorSource

	params atomic.Pointer[Params]

	mu    sync.RWMutex // outer lock: guards growth of nodes
	nodes []*node

	maxLayer    atomic.Int32
	entryPoint  atomic.Uint32
	hasEntry    atomic.Bool
	tombstoneMu sync.RWMutex
	tombstones  *roaring.Bitmap

	meta *metadataStore

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New constructs an empty Index over dim-dimensional vectors using m as the
// distance metric and src to resolve ids to coordinates.
func New(dim int, m metric.Metric, src VectorSource) *Index {
	idx := &Index{
		dim:        dim,
		metric:     m,
		source:     src,
		tombstones: roaring.New(),
		meta:       newMetadataStore(),
		rng:        rand.New(rand.NewSource(1)),
	}
	p := DefaultParams()
	idx.params.Store(&p)
	idx.maxLayer.Store(-1)
	return idx
}

// SetParams atomically replaces the tuning parameters (e.g. from the
// HS_HNSW_M / HS_HNSW_EF_CONSTRUCT env overrides applied at collection boot).
func (idx *Index) SetParams(p Params) { idx.params.Store(&p) }

func (idx *Index) getParams() Params { return *idx.params.Load() }

func (idx *Index) randomLevel() int {
	p := idx.getParams()
	idx.rngMu.Lock()
	r := idx.rng.Float64()
	idx.rngMu.Unlock()
	level := 0
	for r < p.LevelP && level < p.LMax-1 {
		level++
		idx.rngMu.Lock()
		r = idx.rng.Float64()
		idx.rngMu.Unlock()
	}
	return level
}

func (idx *Index) nodeAt(id uint32) *node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if int(id) >= len(idx.nodes) {
		return nil
	}
	return idx.nodes[id]
}

func (idx *Index) distance(a uint32, qCoords []float64) (float64, error) {
	coords, err := idx.source.Coords(a)
	if err != nil {
		return 0, err
	}
	return idx.metric.DistanceFull(coords, qCoords), nil
}

// Insert adds id (already present in storage and metadata) to the graph,
// per SPEC_FULL.md §4.4 steps 2-5. Vector coordinates are fetched lazily
// through VectorSource rather than passed in, since storage is the system
// of record for the raw bytes.
func (idx *Index) Insert(id uint32, meta map[string]string) error {
	qCoords, err := idx.source.Coords(id)
	if err != nil {
		return err
	}
	level := idx.randomLevel()
	p := idx.getParams()

	n := &node{id: id, layers: make([]*layerLinks, level+1)}
	for i := range n.layers {
		n.layers[i] = &layerLinks{}
	}

	idx.mu.Lock()
	for int(id) >= len(idx.nodes) {
		idx.nodes = append(idx.nodes, nil)
	}
	idx.nodes[id] = n
	idx.mu.Unlock()

	idx.meta.setForward(id, meta)
	idx.meta.index(id, meta)

	if !idx.hasEntry.CompareAndSwap(false, true) {
		// An entry point already exists: zoom in, then link in.
		entry := idx.entryPoint.Load()
		curMax := int(idx.maxLayer.Load())

		cur := entry
		curDist, err := idx.distance(cur, qCoords)
		if err != nil {
			return err
		}
		for l := curMax; l > level; l-- {
			cur, curDist = idx.greedyDescend(cur, curDist, l, qCoords)
		}

		for l := min(level, curMax); l >= 0; l-- {
			candidates := idx.searchLayer(cur, qCoords, l, p.EfConstruction)
			cap := p.M
			if l == 0 {
				cap = p.M * 2
			}
			selected := idx.heuristicSelect(candidates, qCoords, cap)
			idx.linkBidirectional(id, l, selected, cap)
			if len(selected) > 0 {
				cur = selected[0].id
			}
		}
	}

	if level > int(idx.maxLayer.Load()) {
		idx.maxLayer.Store(int32(level))
		idx.entryPoint.Store(id)
	}
	return nil
}

// greedyDescend repeatedly moves to the closest neighbor at layer l until no
// improvement is found (the zoom-in step, SPEC_FULL.md §4.4 step 3).
func (idx *Index) greedyDescend(start uint32, startDist float64, layer int, q []float64) (uint32, float64) {
	cur, curDist := start, startDist
	for {
		n := idx.nodeAt(cur)
		if n == nil || layer >= len(n.layers) {
			return cur, curDist
		}
		improved := false
		for _, nb := range n.layers[layer].snapshot() {
			if idx.isTombstoned(nb) {
				continue
			}
			d, err := idx.distance(nb, q)
			if err != nil {
				continue
			}
			if d < curDist {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// searchLayer runs a bounded best-first search at layer from entry,
// returning up to width candidates sorted by ascending distance.
func (idx *Index) searchLayer(entry uint32, q []float64, layer, width int) []candidate {
	visited := map[uint32]bool{entry: true}
	entryDist, err := idx.distance(entry, q)
	if err != nil {
		return nil
	}
	candidates := newMinHeap()
	candidates.push(candidate{entry, entryDist})
	results := newMaxHeap()
	results.push(candidate{entry, entryDist})

	for candidates.Len() > 0 {
		c := candidates.pop()
		worst := results.peekWorst()
		if results.Len() >= width && c.dist > worst.dist {
			break
		}
		n := idx.nodeAt(c.id)
		if n == nil || layer >= len(n.layers) {
			continue
		}
		for _, nb := range n.layers[layer].snapshot() {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if idx.isTombstoned(nb) {
				continue
			}
			d, err := idx.distance(nb, q)
			if err != nil {
				continue
			}
			worst = results.peekWorst()
			if results.Len() < width || d < worst.dist {
				candidates.push(candidate{nb, d})
				results.push(candidate{nb, d})
				if results.Len() > width {
					results.popWorst()
				}
			}
		}
	}
	return results.sorted()
}

// heuristicSelect implements SPEC_FULL.md §4.4's diversity-preserving
// selector: accept candidate c iff for every already-accepted neighbor n,
// dist(c,n) >= dist(c,query).
func (idx *Index) heuristicSelect(candidates []candidate, q []float64, cap int) []candidate {
	var selected []candidate
	for _, c := range candidates {
		if len(selected) >= cap {
			break
		}
		cCoords, err := idx.source.Coords(c.id)
		if err != nil {
			continue
		}
		ok := true
		for _, n := range selected {
			nCoords, err := idx.source.Coords(n.id)
			if err != nil {
				continue
			}
			if idx.metric.DistanceFull(cCoords, nCoords) < idx.metric.DistanceFull(cCoords, q) {
				ok = false
				break
			}
		}
		if ok {
			selected = append(selected, c)
		}
	}
	return selected
}

// linkBidirectional installs id <-> each selected neighbor at layer, then
// re-prunes any neighbor whose degree now exceeds cap.
func (idx *Index) linkBidirectional(id uint32, layer int, selected []candidate, cap int) {
	self := idx.nodeAt(id)
	if self == nil || layer >= len(self.layers) {
		return
	}
	ids := make([]uint32, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	self.layers[layer].set(ids)

	for _, c := range selected {
		nb := idx.nodeAt(c.id)
		if nb == nil || layer >= len(nb.layers) {
			continue
		}
		cur := nb.layers[layer].snapshot()
		cur = append(cur, id)
		if len(cur) > cap {
			cur = idx.prune(nb.id, cur, cap)
		}
		nb.layers[layer].set(cur)
	}
}

func (idx *Index) prune(forID uint32, ids []uint32, cap int) []uint32 {
	coords, err := idx.source.Coords(forID)
	if err != nil {
		if len(ids) > cap {
			return ids[:cap]
		}
		return ids
	}
	cands := make([]candidate, 0, len(ids))
	for _, id := range ids {
		d, err := idx.distance(id, coords)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id, d})
	}
	sortCandidates(cands)
	selected := idx.heuristicSelect(cands, coords, cap)
	out := make([]uint32, len(selected))
	for i, c := range selected {
		out[i] = c.id
	}
	return out
}

func (idx *Index) isTombstoned(id uint32) bool {
	idx.tombstoneMu.RLock()
	defer idx.tombstoneMu.RUnlock()
	return idx.tombstones.Contains(id)
}

// IsTombstoned reports whether id has been soft-deleted. Exported for
// callers outside the index (e.g. digest backfill on boot) that need to
// distinguish live ids from deleted ones without re-deriving tombstone state.
func (idx *Index) IsTombstoned(id uint32) bool { return idx.isTombstoned(id) }

// Delete tombstones id: edges are retained but skipped during expansion, per
// SPEC_FULL.md §4.4 ("No compaction").
func (idx *Index) Delete(id uint32) error {
	idx.tombstoneMu.Lock()
	idx.tombstones.Add(id)
	idx.tombstoneMu.Unlock()
	return nil
}

// Result is one (id, distance) hit from Search.
type Result struct {
	ID       uint32
	Distance float64
}

// Search runs the full query path of SPEC_FULL.md §4.4: zoom-in, bounded
// best-first search at layer 0, post-filter, truncate to k.
func (idx *Index) Search(q []float64, k, ef int, filters map[string]string, complex Predicate) ([]Result, error) {
	if len(q) != idx.dim {
		return nil, herr.ErrDimensionMismatch
	}
	if !idx.hasEntry.Load() {
		return nil, nil
	}
	if ef < k {
		ef = k
	}
	entry := idx.entryPoint.Load()
	curMax := int(idx.maxLayer.Load())

	cur := entry
	curDist, err := idx.distance(cur, q)
	if err != nil {
		return nil, err
	}
	for l := curMax; l >= 1; l-- {
		cur, curDist = idx.greedyDescend(cur, curDist, l, q)
	}

	candidates := idx.searchLayer(cur, q, 0, ef)

	// Per SPEC_FULL.md §4.4: candidates are checked against the roaring-
	// bitmap inverted index before falling back to a per-candidate forward-
	// map scan. filterSet is computed once per Search rather than once per
	// candidate.
	filterSet := idx.candidateBitmap(filters, complex)

	out := make([]Result, 0, k)
	for _, c := range candidates {
		if idx.isTombstoned(c.id) {
			continue
		}
		if !idx.passesFilters(c.id, filters, complex, filterSet) {
			continue
		}
		out = append(out, Result{ID: c.id, Distance: c.dist})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// candidateBitmap intersects the inverted-index bitmaps for every k=v pair
// in filters with complex's bitmap (when its whole subtree is representable
// as a set operation, see bitmapPredicate). Returns nil when there is
// nothing to intersect or complex isn't bitmap-representable (e.g. it
// contains a Not), in which case passesFilters relies solely on the
// forward-map scan.
func (idx *Index) candidateBitmap(filters map[string]string, complex Predicate) *roaring.Bitmap {
	var out *roaring.Bitmap
	for k, v := range filters {
		bm := idx.meta.idsFor(k, v)
		if out == nil {
			out = bm
		} else {
			out.And(bm)
		}
	}
	if complex != nil {
		bp, ok := complex.(bitmapPredicate)
		if !ok {
			return nil
		}
		bm, ok := bp.idSet(idx.meta)
		if !ok {
			return nil
		}
		if out == nil {
			out = bm
		} else {
			out.And(bm)
		}
	}
	return out
}

func (idx *Index) passesFilters(id uint32, filters map[string]string, complex Predicate, filterSet *roaring.Bitmap) bool {
	if filterSet != nil && !filterSet.Contains(id) {
		return false
	}
	fwd := idx.meta.getForward(id)
	for k, v := range filters {
		if fwd[k] != v {
			return false
		}
	}
	if complex != nil {
		return complex.Eval(fwd)
	}
	return true
}

// Count returns the number of node slots allocated (including tombstoned
// and never-linked ids), used to set storage's count on snapshot restore.
func (idx *Index) Count() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return uint32(len(idx.nodes))
}
