package index

import "sort"

// minHeap pops the closest (smallest distance) candidate first, used for
// the best-first search frontier.
type minHeap struct{ items []candidate }

func newMinHeap() *minHeap { return &minHeap{} }

func (h *minHeap) Len() int { return len(h.items) }

func (h *minHeap) push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].dist <= h.items[i].dist {
			break
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *minHeap) pop() candidate {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < len(h.items) && h.items[left].dist < h.items[smallest].dist {
			smallest = left
		}
		if right < len(h.items) && h.items[right].dist < h.items[smallest].dist {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
	return top
}

// maxHeap tracks the current best-ef results, keyed so the worst (largest
// distance) is always evictable in O(log n) when a better candidate arrives.
type maxHeap struct{ items []candidate }

func newMaxHeap() *maxHeap { return &maxHeap{} }

func (h *maxHeap) Len() int { return len(h.items) }

func (h *maxHeap) push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].dist >= h.items[i].dist {
			break
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *maxHeap) peekWorst() candidate {
	if len(h.items) == 0 {
		return candidate{dist: -1}
	}
	return h.items[0]
}

func (h *maxHeap) popWorst() candidate {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < len(h.items) && h.items[left].dist > h.items[largest].dist {
			largest = left
		}
		if right < len(h.items) && h.items[right].dist > h.items[largest].dist {
			largest = right
		}
		if largest == i {
			break
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
	return top
}

// sorted returns the heap's contents sorted by ascending distance, without
// mutating the heap.
func (h *maxHeap) sorted() []candidate {
	out := append([]candidate(nil), h.items...)
	sortCandidates(out)
	return out
}

func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].dist < c[j].dist })
}
