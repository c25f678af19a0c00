package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// metadataStore holds the forward map (id -> key/value metadata) and the
// inverted index (key=value -> bitmap of ids) described in SPEC_FULL.md §4.4
// and the snapshot metadata block in §6.
type metadataStore struct {
	forwardMu sync.RWMutex
	forward   map[uint32]map[string]string

	invertedMu sync.RWMutex
	inverted   map[string]*roaring.Bitmap // key "k=v" -> ids
}

func newMetadataStore() *metadataStore {
	return &metadataStore{
		forward:  make(map[uint32]map[string]string),
		inverted: make(map[string]*roaring.Bitmap),
	}
}

func (m *metadataStore) setForward(id uint32, meta map[string]string) {
	m.forwardMu.Lock()
	m.forward[id] = meta
	m.forwardMu.Unlock()
}

func (m *metadataStore) getForward(id uint32) map[string]string {
	m.forwardMu.RLock()
	defer m.forwardMu.RUnlock()
	return m.forward[id]
}

func invertedKey(k, v string) string { return k + "=" + v }

func (m *metadataStore) index(id uint32, meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	m.invertedMu.Lock()
	defer m.invertedMu.Unlock()
	for k, v := range meta {
		key := invertedKey(k, v)
		bm, ok := m.inverted[key]
		if !ok {
			bm = roaring.New()
			m.inverted[key] = bm
		}
		bm.Add(id)
	}
}

// idsFor returns the bitmap of ids carrying k=v, or an empty bitmap if none.
func (m *metadataStore) idsFor(k, v string) *roaring.Bitmap {
	m.invertedMu.RLock()
	defer m.invertedMu.RUnlock()
	if bm, ok := m.inverted[invertedKey(k, v)]; ok {
		return bm.Clone()
	}
	return roaring.New()
}
