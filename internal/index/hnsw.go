// Package index implements HNSWIndex: a multilayer proximity-graph
// approximate-nearest-neighbor index over slot identifiers, grounded on
// vecgo/index.HNSW but reworked so the graph consults an external vector
// source by slot (spec.md §4.3: "does not own vectors") instead of storing
// embeddings inline in each node, and so deletion really unlinks a node
// from every neighbor list instead of vecgo's lazy map-delete.
package index

import (
	"math"
	"math/rand"
	"sort"

	"memoria/internal/buffer"
	"memoria/internal/similarity"
)

// VectorSource is the subset of VectorBuffer the index needs: vector data
// and magnitudes addressed by slot, plus enumeration for the exhaustive
// fallback below indexThreshold.
type VectorSource interface {
	GetSlot(slot buffer.Slot) ([]float32, bool)
	MagnitudeOfSlot(slot buffer.Slot) (float32, bool)
	Iterate() []buffer.Entry
}

// Config configures the HNSW index, with the defaults spec.md §4.3 names.
type Config struct {
	M              int // target neighbors per node per layer except layer 0 (default 16)
	EfConstruction int // candidate-list size during insertion (default 200)
	EfSearch       int // default candidate-list size at query (default 50)
	LevelMult      float64
	Metric         similarity.Metric
	IndexThreshold int // below this many nodes, search falls back to exhaustive scan; 0 means never fall back
}

// DefaultIndexThreshold is the production default below which Search falls
// back to an exhaustive scan, per spec.md §4.3. Config's zero value does
// not apply this automatically: callers that want the documented default
// behavior (typically internal/config while loading server settings) must
// set IndexThreshold to this value explicitly.
const DefaultIndexThreshold = 1000

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.LevelMult <= 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	if c.Metric == "" {
		c.Metric = similarity.Cosine
	}
	// IndexThreshold is left untouched: its zero value means "never fall
	// back to exhaustive scan," a legitimate choice, not an unset sentinel.
	// The documented default of 1000 is applied by config loading, not here.
	return c
}

// m0 returns the layer-0 neighbor cap, 2*M per spec.md §4.3.
func (c Config) m0() int { return c.M * 2 }

type hnswNode struct {
	slot      buffer.Slot
	level     int
	neighbors [][]buffer.Slot // neighbors[layer] = neighbor slot ids
}

// entryPointState tracks the index's single designated entry point.
type entryPointState struct {
	slot  buffer.Slot
	level int
	set   bool
}

// HNSW is the multilayer proximity-graph ANN index described in spec.md
// §4.3. It does not hold a lock of its own: callers (IndexedVectorStore)
// are expected to serialize insert/delete against search using the
// store-wide lock spec.md §5 describes, since the index and the buffer it
// reads from must be viewed consistently by a single reader/writer
// discipline.
type HNSW struct {
	cfg      Config
	source   VectorSource
	nodes    map[buffer.Slot]*hnswNode
	entry    entryPointState
	maxLevel int
}

// New creates an HNSW index reading vector data from source.
func New(cfg Config, source VectorSource) *HNSW {
	cfg = cfg.withDefaults()
	return &HNSW{
		cfg:    cfg,
		source: source,
		nodes:  make(map[buffer.Slot]*hnswNode),
	}
}

// Len returns the number of nodes currently in the graph.
func (h *HNSW) Len() int { return len(h.nodes) }

func (h *HNSW) randomLevel() int {
	u := rand.Float64()
	for u == 0 {
		u = rand.Float64()
	}
	return int(-math.Log(u) * h.cfg.LevelMult)
}

func (h *HNSW) vectorOf(slot buffer.Slot) ([]float32, float32, bool) {
	v, ok := h.source.GetSlot(slot)
	if !ok {
		return nil, 0, false
	}
	mag, ok := h.source.MagnitudeOfSlot(slot)
	if !ok {
		return nil, 0, false
	}
	return v, mag, true
}

func (h *HNSW) distanceTo(query []float32, queryMag float32, slot buffer.Slot) (float32, bool) {
	v, mag, ok := h.vectorOf(slot)
	if !ok {
		return 0, false
	}
	return similarity.Distance(h.cfg.Metric, query, v, queryMag, mag), true
}

// Insert adds slot to the graph. The caller guarantees slot is currently
// occupied in the backing buffer.
func (h *HNSW) Insert(slot buffer.Slot) {
	level := h.randomLevel()
	node := &hnswNode{slot: slot, level: level, neighbors: make([][]buffer.Slot, level+1)}
	h.nodes[slot] = node

	if !h.entry.set {
		h.entry = entryPointState{slot: slot, level: level, set: true}
		h.maxLevel = level
		return
	}

	query, queryMag, ok := h.vectorOf(slot)
	if !ok {
		// Defensive: the caller should never insert an unreadable slot.
		return
	}

	curr := h.entry.slot
	for l := h.maxLevel; l > level; l-- {
		curr = h.greedyDescend(query, queryMag, curr, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(query, queryMag, curr, h.cfg.EfConstruction, l)
		m := h.cfg.M
		if l == 0 {
			m = h.cfg.m0()
		}
		selected := h.selectHeuristic(query, candidates, m)
		h.connect(slot, selected, l)
		if len(selected) > 0 {
			curr = selected[0].slot
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = entryPointState{slot: slot, level: level, set: true}
	}
}

// greedyDescend moves from entry to the locally closest neighbor at level,
// repeating until no neighbor improves on the current node, per spec.md
// §4.3 step 3 / search step 2.
func (h *HNSW) greedyDescend(query []float32, queryMag float32, entry buffer.Slot, level int) buffer.Slot {
	curr := entry
	currDist, ok := h.distanceTo(query, queryMag, curr)
	if !ok {
		return curr
	}
	for {
		improved := false
		node, exists := h.nodes[curr]
		if !exists || level >= len(node.neighbors) {
			break
		}
		for _, n := range node.neighbors[level] {
			d, ok := h.distanceTo(query, queryMag, n)
			if !ok {
				continue // neighbor's slot was freed; skip silently
			}
			if d < currDist || (d == currDist && n < curr) {
				curr, currDist = n, d
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return curr
}

// searchLayer runs bounded best-first search at level seeded from entry
// with beam width ef, returning candidates sorted by ascending distance.
func (h *HNSW) searchLayer(query []float32, queryMag float32, entry buffer.Slot, ef, level int) []candidate {
	visited := map[buffer.Slot]bool{entry: true}

	entryDist, ok := h.distanceTo(query, queryMag, entry)
	if !ok {
		return nil
	}

	toVisit := &minHeap{}
	toVisit.Push(candidate{slot: entry, dist: entryDist})

	best := &maxHeap{}
	best.Push(candidate{slot: entry, dist: entryDist})

	for toVisit.Len() > 0 {
		curr := toVisit.Pop()

		if best.Len() >= ef && candidateLess(best.Peek(), curr) {
			break // nearest unvisited candidate is farther than worst current-best
		}

		node, exists := h.nodes[curr.slot]
		if !exists || level >= len(node.neighbors) {
			continue
		}
		for _, n := range node.neighbors[level] {
			if visited[n] {
				continue
			}
			visited[n] = true

			d, ok := h.distanceTo(query, queryMag, n)
			if !ok {
				continue // neighbor's slot was freed mid-search; skip silently
			}

			if best.Len() < ef || d < best.Peek().dist {
				toVisit.Push(candidate{slot: n, dist: d})
				best.Push(candidate{slot: n, dist: d})
				if best.Len() > ef {
					best.Pop()
				}
			}
		}
	}

	return best.Sorted()
}

// selectHeuristic implements spec.md §4.3 step 4's neighbor selection
// rule: prefer candidates close to the new node and not redundant relative
// to already-picked neighbors — skip a candidate if it is closer to an
// already-picked neighbor than to the new node itself.
func (h *HNSW) selectHeuristic(query []float32, candidates []candidate, m int) []candidate {
	selected := make([]candidate, 0, m)
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		redundant := false
		cVec, cMag, ok := h.vectorOf(c.slot)
		if !ok {
			continue
		}
		for _, s := range selected {
			sVec, sMag, ok := h.vectorOf(s.slot)
			if !ok {
				continue
			}
			distToSelected := similarity.Distance(h.cfg.Metric, cVec, sVec, cMag, sMag)
			if distToSelected < c.dist {
				redundant = true
				break
			}
		}
		if !redundant {
			selected = append(selected, c)
		}
	}
	return selected
}

// connect links slot bidirectionally to each neighbor at level, then trims
// every touched node's neighbor list back to its layer cap using the same
// heuristic, with deterministic tie-breaking by slot id.
func (h *HNSW) connect(slot buffer.Slot, neighbors []candidate, level int) {
	node := h.nodes[slot]
	for _, n := range neighbors {
		node.neighbors[level] = appendUnique(node.neighbors[level], n.slot)
	}

	m := h.cfg.M
	if level == 0 {
		m = h.cfg.m0()
	}

	for _, n := range neighbors {
		other, ok := h.nodes[n.slot]
		if !ok || level >= len(other.neighbors) {
			continue
		}
		other.neighbors[level] = appendUnique(other.neighbors[level], slot)
		if len(other.neighbors[level]) > m {
			h.pruneNeighbors(other, level, m)
		}
	}
}

func appendUnique(list []buffer.Slot, s buffer.Slot) []buffer.Slot {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// pruneNeighbors trims node's neighbor list at level down to m entries
// using the heuristic selection rule, relative to node's own vector.
func (h *HNSW) pruneNeighbors(node *hnswNode, level, m int) {
	query, queryMag, ok := h.vectorOf(node.slot)
	if !ok {
		return
	}

	candidates := make([]candidate, 0, len(node.neighbors[level]))
	for _, n := range node.neighbors[level] {
		d, ok := h.distanceTo(query, queryMag, n)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{slot: n, dist: d})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidateLess(candidates[i], candidates[j]) })

	selected := h.selectHeuristic(query, candidates, m)
	trimmed := make([]buffer.Slot, len(selected))
	for i, c := range selected {
		trimmed[i] = c.slot
	}
	node.neighbors[level] = trimmed
}

// Search returns the k nearest neighbors to query using beam width
// max(ef, k), per spec.md §4.3. Below indexThreshold nodes, falls back to
// an exhaustive scan over all occupied slots so recall is exact.
func (h *HNSW) Search(query []float32, k, ef int) []SearchResult {
	if k <= 0 {
		return nil
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	if len(h.nodes) < h.cfg.IndexThreshold {
		return h.exhaustiveSearch(query, k)
	}

	if !h.entry.set {
		return nil
	}

	queryMag := similarity.Magnitude(query)
	curr := h.entry.slot
	for l := h.maxLevel; l > 0; l-- {
		curr = h.greedyDescend(query, queryMag, curr, l)
	}

	candidates := h.searchLayer(query, queryMag, curr, ef, 0)
	return h.toResults(query, queryMag, candidates, k)
}

// exhaustiveSearch scans every occupied slot and returns the exact top-k,
// used both below indexThreshold and as the ground truth recall is
// measured against.
func (h *HNSW) exhaustiveSearch(query []float32, k int) []SearchResult {
	queryMag := similarity.Magnitude(query)
	entries := h.source.Iterate()

	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		v, mag, ok := h.vectorOf(e.Slot)
		if !ok {
			continue
		}
		sim := similarity.Compute(h.cfg.Metric, query, v, queryMag, mag)
		results = append(results, SearchResult{Slot: e.Slot, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Slot < results[j].Slot
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func (h *HNSW) toResults(query []float32, queryMag float32, candidates []candidate, k int) []SearchResult {
	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		v, mag, ok := h.vectorOf(c.slot)
		if !ok {
			continue // stale entry: a race between deletion and search
		}
		sim := similarity.Compute(h.cfg.Metric, query, v, queryMag, mag)
		results = append(results, SearchResult{Slot: c.slot, Similarity: sim})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Slot < results[j].Slot
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Delete removes slot from the graph, unlinking it from every neighbor's
// adjacency list at every layer where it appears (spec.md §4.3 mandates
// real unlinking, not a tombstone flag). If slot was the entry point,
// promotes the remaining node at the highest level, ties broken by
// ascending slot id; if the graph becomes empty, clears the entry point.
func (h *HNSW) Delete(slot buffer.Slot) {
	node, ok := h.nodes[slot]
	if !ok {
		return
	}

	for level, neighbors := range node.neighbors {
		for _, n := range neighbors {
			other, ok := h.nodes[n]
			if !ok || level >= len(other.neighbors) {
				continue
			}
			other.neighbors[level] = removeSlot(other.neighbors[level], slot)
		}
	}

	delete(h.nodes, slot)

	if h.entry.set && h.entry.slot == slot {
		h.promoteEntryPoint()
	}
}

func removeSlot(list []buffer.Slot, s buffer.Slot) []buffer.Slot {
	out := list[:0]
	for _, existing := range list {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}

// promoteEntryPoint picks the remaining node at the highest level,
// breaking ties by ascending slot id, or clears the entry point if the
// graph is now empty.
func (h *HNSW) promoteEntryPoint() {
	var best *hnswNode
	for _, n := range h.nodes {
		if best == nil || n.level > best.level || (n.level == best.level && n.slot < best.slot) {
			best = n
		}
	}
	if best == nil {
		h.entry = entryPointState{}
		h.maxLevel = 0
		return
	}
	h.entry = entryPointState{slot: best.slot, level: best.level, set: true}
	h.maxLevel = best.level
}

// SearchResult is a single ANN match, ranked by similarity descending.
type SearchResult struct {
	Slot       buffer.Slot
	Similarity float32
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
