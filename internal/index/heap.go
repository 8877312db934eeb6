package index

import "memoria/internal/buffer"

// candidate pairs a slot with its distance to the active query, used by the
// two heaps that drive HNSW's bounded best-first search.
type candidate struct {
	slot buffer.Slot
	dist float32
}

// candidateLess orders candidates by ascending distance, breaking ties by ascending
// slot id as spec.md §4.3 requires for determinism.
func candidateLess(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.slot < b.slot
}

// minHeap is a binary min-heap of candidates ordered by (dist, slot), used
// as the "to-visit" frontier during layer search.
type minHeap struct {
	items []candidate
}

func (h *minHeap) Len() int { return len(h.items) }

func (h *minHeap) Push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !candidateLess(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *minHeap) Pop() candidate {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	h.bubbleDown(0)
	return top
}

func (h *minHeap) Peek() candidate { return h.items[0] }

func (h *minHeap) bubbleDown(i int) {
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < len(h.items) && candidateLess(h.items[left], h.items[smallest]) {
			smallest = left
		}
		if right < len(h.items) && candidateLess(h.items[right], h.items[smallest]) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}

// maxHeap is a binary max-heap of candidates ordered by (dist, slot)
// descending, used to hold the "current best" set bounded to size ef: the
// worst of the current best sits at the root so it can be evicted cheaply
// when a closer candidate is found.
type maxHeap struct {
	items []candidate
}

func (h *maxHeap) Len() int { return len(h.items) }

func (h *maxHeap) Push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !candidateLess(h.items[parent], h.items[i]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *maxHeap) Pop() candidate {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	h.bubbleDown(0)
	return top
}

func (h *maxHeap) Peek() candidate { return h.items[0] }

func (h *maxHeap) bubbleDown(i int) {
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < len(h.items) && candidateLess(h.items[largest], h.items[left]) {
			largest = left
		}
		if right < len(h.items) && candidateLess(h.items[largest], h.items[right]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}

// Sorted returns a copy of the max-heap's contents as an ascending-distance
// slice, leaving the heap itself unchanged.
func (h *maxHeap) Sorted() []candidate {
	out := make([]candidate, len(h.items))
	copy(out, h.items)
	// Simple insertion sort: ef is small (tens to low hundreds), and this
	// runs once per search, not per candidate expansion.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && candidateLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
