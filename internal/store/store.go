// Package store implements IndexedVectorStore: the facade composing
// VectorBuffer, HNSWIndex, and VectorSimilarity into the single coherent
// API the memory manager builds on (spec.md §4.4). Grounded on
// vecgo.Pipeline, which plays the same composing role over
// chunker+embedder+index+storage, but reworked around a bounded buffer and
// the HNSW/exhaustive dispatch spec.md's indexThreshold requires instead
// of vecgo's single always-graph index.
package store

import (
	"sort"
	"sync"

	"memoria/internal/buffer"
	"memoria/internal/errs"
	"memoria/internal/index"
	"memoria/internal/similarity"
	"memoria/pkg/ids"
)

// SearchOptions configures a Search call, matching spec.md §4.4.
type SearchOptions struct {
	Limit           int
	Threshold       float32 // minimum similarity to include
	Metric          similarity.Metric
	Filters         map[string]string // keyed on indexed metadata, minimally personaId
	IncludeValues   bool
	IncludeMetadata bool
	Ef              int // per-query override of HNSW beam width
}

// Hit is a single search result before or after metadata enrichment.
type Hit struct {
	ID         ids.VectorID
	Similarity float32
	Vector     []float32         // populated only if IncludeValues
	Metadata   map[string]string // populated only if IncludeMetadata and a MetadataLookup is wired
}

// MetadataLookup resolves a vector id's indexed metadata for filtering and
// enrichment. internal/metadata.Store implements it and is passed to New by
// the caller that builds the store; the store has no opinion
// on what metadata means beyond treating it as string key/value pairs.
type MetadataLookup interface {
	// Lookup returns the metadata for id, or ok=false if unknown.
	Lookup(id ids.VectorID) (map[string]string, bool)
}

// Config configures an IndexedVectorStore.
type Config struct {
	MaxMemoryBytes int64
	Dimensions     int
	Metric         similarity.Metric
	IndexThreshold int // 0 means never fall back to exhaustive scan; see index.DefaultIndexThreshold
	HNSW           index.Config
}

// Store composes the buffer and index layers behind a single store-wide
// lock pair, per spec.md §5: many-reader-or-one-writer over the buffer and
// the index jointly.
type Store struct {
	buf    *buffer.VectorBuffer
	idx    *index.HNSW
	meta   MetadataLookup
	metric similarity.Metric

	mu sync.RWMutex
}

// New constructs a Store. meta may be nil if the caller never uses
// metadata filters (vector-only workloads).
func New(cfg Config, meta MetadataLookup) (*Store, error) {
	buf, err := buffer.New(cfg.MaxMemoryBytes, cfg.Dimensions)
	if err != nil {
		return nil, errs.Wrap("store.New", err)
	}

	hnswCfg := cfg.HNSW
	if hnswCfg.Metric == "" {
		hnswCfg.Metric = cfg.Metric
	}
	if hnswCfg.IndexThreshold == 0 {
		hnswCfg.IndexThreshold = cfg.IndexThreshold
	}

	s := &Store{
		buf:    buf,
		meta:   meta,
		metric: cfg.Metric,
	}
	s.idx = index.New(hnswCfg, buf)
	return s, nil
}

// AddVector inserts vec under id into the buffer and links it into the
// index, in that order, matching the visibility rule in spec.md §5: a
// vector becomes searchable only after index insertion returns. On a
// buffer error, nothing is linked.
func (s *Store) AddVector(id ids.VectorID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.buf.Insert(id, vec)
	if err != nil {
		return errs.Wrap("store.AddVector", err)
	}
	s.idx.Insert(slot)
	return nil
}

// GetVector returns a copy of the stored vector for id.
func (s *Store) GetVector(id ids.VectorID) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.buf.Get(id)
	if err != nil {
		return nil, errs.Wrap("store.GetVector", err)
	}
	return v, nil
}

// UpdateVector replaces the vector stored for id in place. This does not
// change id's index linkage since neighbor lists reference slots, not
// vector contents, and a replace leaves the slot untouched.
func (s *Store) UpdateVector(id ids.VectorID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Replace(id, vec); err != nil {
		return errs.Wrap("store.UpdateVector", err)
	}
	return nil
}

// DeleteVector removes id from the index and frees its buffer slot, in
// that order, so no reader beginning after this call can observe a
// dangling index entry.
func (s *Store) DeleteVector(id ids.VectorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.buf.SlotOf(id)
	if !ok {
		return errs.New("store.DeleteVector", errs.KindNotFound, errs.ErrNotFound)
	}
	s.idx.Delete(slot)
	if _, err := s.buf.Delete(id); err != nil {
		return errs.Wrap("store.DeleteVector", err)
	}
	return nil
}

// Search dispatches to the HNSW index (or its exhaustive fallback below
// indexThreshold) and applies metadata filters after similarity ranking,
// over-fetching candidates so filtering doesn't starve the final top-k, per
// spec.md §4.4's filter application order.
func (s *Store) Search(query []float32, opts SearchOptions) ([]Hit, error) {
	if len(query) != s.buf.Dimensions() {
		return nil, errs.New("store.Search", errs.KindDimensionMismatch, errs.ErrDimensionMismatch)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fetch := limit * 3
	if opts.Ef > fetch {
		fetch = opts.Ef
	}
	ef := opts.Ef

	raw := s.idx.Search(query, fetch, ef)

	// The index was built against s.metric, so graph navigation above always
	// ranks candidates by it. When the caller names a different per-query
	// metric (spec.md §4.4's "metric" search option), re-score the
	// over-fetched candidates under the requested metric before applying
	// threshold/limit, rather than silently returning the construction
	// metric's ordering.
	metric := opts.Metric
	if metric == "" {
		metric = s.metric
	}
	if metric != s.metric {
		queryMag := similarity.Magnitude(query)
		for i := range raw {
			v, ok := s.buf.GetSlot(raw[i].Slot)
			if !ok {
				continue // freed between index search and rescoring
			}
			mag, ok := s.buf.MagnitudeOfSlot(raw[i].Slot)
			if !ok {
				continue
			}
			raw[i].Similarity = similarity.Compute(metric, query, v, queryMag, mag)
		}
		sort.Slice(raw, func(i, j int) bool {
			if raw[i].Similarity != raw[j].Similarity {
				return raw[i].Similarity > raw[j].Similarity
			}
			return raw[i].Slot < raw[j].Slot
		})
	}

	hits := make([]Hit, 0, limit)
	for _, r := range raw {
		if len(hits) >= limit {
			break
		}
		if r.Similarity < opts.Threshold {
			continue
		}

		id, ok := s.buf.IDAtSlot(r.Slot)
		if !ok {
			continue // freed between index search and id resolution
		}

		var meta map[string]string
		if s.meta != nil {
			m, found := s.meta.Lookup(id)
			if found {
				meta = m
			}
		}
		if !matchesFilters(meta, opts.Filters) {
			continue
		}

		hit := Hit{ID: id, Similarity: r.Similarity}
		if opts.IncludeValues {
			if v, err := s.buf.Get(id); err == nil {
				hit.Vector = v
			}
		}
		if opts.IncludeMetadata {
			hit.Metadata = meta
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

func matchesFilters(meta map[string]string, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for k, want := range filters {
		if meta[k] != want {
			return false
		}
	}
	return true
}

// Stats reports buffer usage.
func (s *Store) Stats() buffer.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Stats()
}

// Dimensions returns the store's fixed vector dimensionality.
func (s *Store) Dimensions() int { return s.buf.Dimensions() }

// Iterate returns a snapshot of all occupied (id, slot) pairs.
func (s *Store) Iterate() []buffer.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Iterate()
}
