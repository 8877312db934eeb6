package store

import (
	"sync"
	"testing"

	"memoria/internal/errs"
	"memoria/internal/similarity"
	"memoria/pkg/ids"
)

type fakeMeta struct {
	data map[ids.VectorID]map[string]string
}

func (f fakeMeta) Lookup(id ids.VectorID) (map[string]string, bool) {
	m, ok := f.data[id]
	return m, ok
}

func unit(d, axis int) []float32 {
	v := make([]float32, d)
	v[axis] = 1
	return v
}

func newTestStore(t *testing.T, meta MetadataLookup) *Store {
	t.Helper()
	s, err := New(Config{
		MaxMemoryBytes: int64(256 * 8 * 4),
		Dimensions:     8,
		Metric:         similarity.Cosine,
		IndexThreshold: 0,
	}, meta)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestAddAndGetVector(t *testing.T) {
	s := newTestStore(t, nil)
	id := ids.NewVectorID()
	if err := s.AddVector(id, unit(8, 0)); err != nil {
		t.Fatalf("AddVector failed: %v", err)
	}
	got, err := s.GetVector(id)
	if err != nil {
		t.Fatalf("GetVector failed: %v", err)
	}
	if got[0] != 1 {
		t.Errorf("unexpected vector contents: %v", got)
	}
}

func TestSearchOrthogonalUnitVectors(t *testing.T) {
	s := newTestStore(t, nil)
	id1 := ids.NewVectorID()
	id2 := ids.NewVectorID()
	if err := s.AddVector(id1, unit(8, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddVector(id2, unit(8, 1)); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(unit(8, 0), SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != id1 {
		t.Errorf("expected closest match to be id1")
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("expected similarity ~1.0, got %v", hits[0].Similarity)
	}
}

func TestSearchThresholdExcludesOrthogonal(t *testing.T) {
	s := newTestStore(t, nil)
	id1 := ids.NewVectorID()
	id2 := ids.NewVectorID()
	s.AddVector(id1, unit(8, 0))
	s.AddVector(id2, unit(8, 1))

	hits, err := s.Search(unit(8, 0), SearchOptions{Limit: 5, Threshold: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id1 {
		t.Fatalf("expected only the exact match above threshold, got %v", hits)
	}
}

func TestSearchWithMetadataFilter(t *testing.T) {
	id1 := ids.NewVectorID()
	id2 := ids.NewVectorID()
	meta := fakeMeta{data: map[ids.VectorID]map[string]string{
		id1: {"personaId": "alice"},
		id2: {"personaId": "bob"},
	}}
	s := newTestStore(t, meta)
	s.AddVector(id1, unit(8, 0))
	s.AddVector(id2, func() []float32 { v := unit(8, 0); v[1] = 0.1; return v }())

	hits, err := s.Search(unit(8, 0), SearchOptions{Limit: 5, Filters: map[string]string{"personaId": "bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id2 {
		t.Fatalf("expected only bob's vector, got %v", hits)
	}
}

func TestDeleteVectorRemovesFromSearch(t *testing.T) {
	s := newTestStore(t, nil)
	id := ids.NewVectorID()
	s.AddVector(id, unit(8, 0))

	if err := s.DeleteVector(id); err != nil {
		t.Fatalf("DeleteVector failed: %v", err)
	}
	if _, err := s.GetVector(id); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}

	hits, err := s.Search(unit(8, 0), SearchOptions{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.ID == id {
			t.Fatalf("deleted vector surfaced in search")
		}
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Search([]float32{1, 2, 3}, SearchOptions{Limit: 5})
	if !errs.Is(err, errs.KindDimensionMismatch) {
		t.Fatalf("expected dimension-mismatch error, got %v", err)
	}
}

func TestUpdateVectorPreservesID(t *testing.T) {
	s := newTestStore(t, nil)
	id := ids.NewVectorID()
	s.AddVector(id, unit(8, 0))
	if err := s.UpdateVector(id, unit(8, 1)); err != nil {
		t.Fatalf("UpdateVector failed: %v", err)
	}
	got, err := s.GetVector(id)
	if err != nil {
		t.Fatal(err)
	}
	if got[1] != 1 || got[0] != 0 {
		t.Errorf("update did not take effect: %v", got)
	}
}

// TestSearchPerQueryMetricOverridesConstructionMetric guards against the
// per-query "metric" search option (spec.md §4.4) being silently ignored in
// favor of whatever metric the store was built with.
func TestSearchPerQueryMetricOverridesConstructionMetric(t *testing.T) {
	s := newTestStore(t, nil) // built with cosine
	idNear := ids.NewVectorID()
	idFar := ids.NewVectorID()

	// near sits closest to the query in absolute terms but is not exactly
	// parallel to it; far is an exact scalar multiple of the query (perfect
	// cosine similarity) but much further away in euclidean distance. Cosine
	// is scale-invariant so it ranks far first; euclidean cares about
	// absolute distance so it ranks near first.
	query := unit(8, 0)
	near := unit(8, 0)
	near[1] = 0.05

	far := unit(8, 0)
	for i := range far {
		far[i] *= 50
	}

	if err := s.AddVector(idNear, near); err != nil {
		t.Fatal(err)
	}
	if err := s.AddVector(idFar, far); err != nil {
		t.Fatal(err)
	}

	cosineHits, err := s.Search(query, SearchOptions{Limit: 2, Metric: similarity.Cosine})
	if err != nil {
		t.Fatalf("cosine search failed: %v", err)
	}
	euclideanHits, err := s.Search(query, SearchOptions{Limit: 2, Metric: similarity.Euclidean})
	if err != nil {
		t.Fatalf("euclidean search failed: %v", err)
	}

	if len(cosineHits) != 2 || len(euclideanHits) != 2 {
		t.Fatalf("expected 2 hits from each search, got cosine=%d euclidean=%d", len(cosineHits), len(euclideanHits))
	}
	if cosineHits[0].ID != idFar {
		t.Errorf("expected cosine's top hit to be the exactly-parallel-but-scaled vector (cosine is scale-invariant), got %v", cosineHits[0].ID)
	}
	if euclideanHits[0].ID != idNear {
		t.Errorf("expected euclidean's top hit to be the near vector (smallest absolute distance), got %v", euclideanHits[0].ID)
	}
	if cosineHits[0].ID == euclideanHits[0].ID {
		t.Fatalf("expected the two metrics to disagree on the top hit, both picked %v", cosineHits[0].ID)
	}
}

// TestConcurrentWritersAndReaders exercises spec.md §8's concurrency
// property: N writer goroutines inserting disjoint ids and M reader
// goroutines calling Search concurrently must not panic or corrupt state,
// and afterwards every inserted id must be readable through GetVector.
func TestConcurrentWritersAndReaders(t *testing.T) {
	const (
		writers        = 8
		idsPerWriter   = 50
		readers        = 8
		readsPerReader = 200
	)

	s, err := New(Config{
		MaxMemoryBytes: int64(writers*idsPerWriter+64) * 8 * 4,
		Dimensions:     8,
		Metric:         similarity.Cosine,
		IndexThreshold: 0,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	allIDs := make([][]ids.VectorID, writers)
	for w := 0; w < writers; w++ {
		vecIDs := make([]ids.VectorID, idsPerWriter)
		for i := range vecIDs {
			vecIDs[i] = ids.NewVectorID()
		}
		allIDs[w] = vecIDs
	}

	var wg sync.WaitGroup

	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i, id := range allIDs[w] {
				v := unit(8, i%8)
				if err := s.AddVector(id, v); err != nil {
					t.Errorf("writer %d: AddVector failed: %v", w, err)
					return
				}
			}
		}()
	}

	wg.Add(readers)
	for r := 0; r < readers; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < readsPerReader; i++ {
				if _, err := s.Search(unit(8, i%8), SearchOptions{Limit: 5}); err != nil {
					t.Errorf("Search failed: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()

	for w, vecIDs := range allIDs {
		for _, id := range vecIDs {
			if _, err := s.GetVector(id); err != nil {
				t.Errorf("writer %d: id %v never became readable: %v", w, id, err)
			}
		}
	}
}
