package index

import "github.com/RoaringBitmap/roaring"

// bitmapPredicate is an optional capability a Predicate can implement: when
// its whole subtree is expressible as a set operation over the inverted
// index, idSet returns the exact id bitmap and ok=true, letting Search
// intersect it in before ever touching the forward map. Not has no finite
// complement without a universe bitmap, so it (and anything containing it)
// falls back to the plain per-candidate Eval scan.
type bitmapPredicate interface {
	idSet(ms *metadataStore) (*roaring.Bitmap, bool)
}

// Predicate evaluates a boolean expression over a result's forward metadata,
// the "complex_filters" of SPEC_FULL.md §4.4. The upstream spec leaves the
// exact grammar undefined (see DESIGN.md's Open Question decisions); this
// package resolves it as a minimal boolean tree over equality predicates,
// the shape the search path already needs (filters is a flat AND of
// equalities; complex_filters generalizes that to arbitrary And/Or/Not/Eq
// nesting).
type Predicate interface {
	Eval(meta map[string]string) bool
}

// Eq matches when meta[Key] == Value.
type Eq struct {
	Key   string
	Value string
}

func (e Eq) Eval(meta map[string]string) bool { return meta[e.Key] == e.Value }

func (e Eq) idSet(ms *metadataStore) (*roaring.Bitmap, bool) { return ms.idsFor(e.Key, e.Value), true }

// And matches when every child matches (vacuously true for zero children).
type And []Predicate

func (a And) Eval(meta map[string]string) bool {
	for _, p := range a {
		if !p.Eval(meta) {
			return false
		}
	}
	return true
}

func (a And) idSet(ms *metadataStore) (*roaring.Bitmap, bool) {
	if len(a) == 0 {
		return nil, false
	}
	var out *roaring.Bitmap
	for _, p := range a {
		bp, ok := p.(bitmapPredicate)
		if !ok {
			return nil, false
		}
		bm, ok := bp.idSet(ms)
		if !ok {
			return nil, false
		}
		if out == nil {
			out = bm
		} else {
			out.And(bm)
		}
	}
	return out, true
}

// Or matches when any child matches (vacuously false for zero children).
type Or []Predicate

func (o Or) Eval(meta map[string]string) bool {
	for _, p := range o {
		if p.Eval(meta) {
			return true
		}
	}
	return false
}

func (o Or) idSet(ms *metadataStore) (*roaring.Bitmap, bool) {
	if len(o) == 0 {
		return nil, false
	}
	var out *roaring.Bitmap
	for _, p := range o {
		bp, ok := p.(bitmapPredicate)
		if !ok {
			return nil, false
		}
		bm, ok := bp.idSet(ms)
		if !ok {
			return nil, false
		}
		if out == nil {
			out = bm
		} else {
			out.Or(bm)
		}
	}
	return out, true
}

// Not inverts its single child.
type Not struct{ Child Predicate }

func (n Not) Eval(meta map[string]string) bool { return !n.Child.Eval(meta) }
