package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoria/internal/embedding"
	"memoria/internal/metadata"
	"memoria/internal/similarity"
	"memoria/internal/store"
)

const testDims = 16

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	metaStore, err := metadata.Open(filepath.Join(t.TempDir(), "memoria.db"))
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	s, err := store.New(store.Config{
		MaxMemoryBytes: int64(1000 * testDims * 4),
		Dimensions:     testDims,
		Metric:         similarity.Cosine,
		IndexThreshold: 0,
	}, metaStore)
	require.NoError(t, err)

	mgr := New(Config{
		Store:    s,
		Metadata: metaStore,
		Embedder: embedding.NewLocal(testDims),
	})

	persona, err := mgr.CreatePersona(context.Background(), "owner-1", PersonaConfig{
		MaxMemorySize:   10000,
		MemoryDecayTime: time.Hour,
	})
	require.NoError(t, err)
	return mgr, persona.ID
}

func TestCreatePersonaValidatesBounds(t *testing.T) {
	metaStore, _ := metadata.Open(filepath.Join(t.TempDir(), "memoria.db"))
	defer metaStore.Close()
	s, _ := store.New(store.Config{MaxMemoryBytes: int64(100 * testDims * 4), Dimensions: testDims}, metaStore)
	mgr := New(Config{Store: s, Metadata: metaStore, Embedder: embedding.NewLocal(testDims)})

	_, err := mgr.CreatePersona(context.Background(), "owner", PersonaConfig{MaxMemorySize: 1, MemoryDecayTime: time.Hour})
	require.Error(t, err)

	_, err = mgr.CreatePersona(context.Background(), "owner", PersonaConfig{MaxMemorySize: 100, MemoryDecayTime: time.Second})
	require.Error(t, err)

	_, err = mgr.CreatePersona(context.Background(), "owner", PersonaConfig{MaxMemorySize: 100, MemoryDecayTime: time.Hour})
	require.NoError(t, err)
}

func TestAddMemoryAndRetrieve(t *testing.T) {
	mgr, personaID := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.AddMemory(ctx, personaID, MemoryInput{Type: metadata.MemoryTypeFact, Content: "the user prefers dark roast coffee"})
	require.NoError(t, err)
	_, err = mgr.AddMemory(ctx, personaID, MemoryInput{Type: metadata.MemoryTypeFact, Content: "completely unrelated topic about sailing"})
	require.NoError(t, err)

	results, err := mgr.RetrieveRelevantMemories(ctx, personaID, "what coffee does the user like", RetrieveOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestAddConversationExchangeRoundTrip(t *testing.T) {
	mgr, personaID := newTestManager(t)
	ctx := context.Background()

	exch, err := mgr.AddConversationExchange(ctx, personaID, "hello there", "hi, how can I help?", "")
	require.NoError(t, err)
	require.NotEmpty(t, exch.ConversationID)

	history, err := mgr.GetConversationHistory(ctx, personaID, exch.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, metadata.SpeakerUser, history[0].Speaker)
	require.Equal(t, metadata.SpeakerAssistant, history[1].Speaker)
}

func TestEnforceMemoryLimitsEvictsLowestValue(t *testing.T) {
	metaStore, _ := metadata.Open(filepath.Join(t.TempDir(), "memoria.db"))
	defer metaStore.Close()
	s, _ := store.New(store.Config{MaxMemoryBytes: int64(100 * testDims * 4), Dimensions: testDims, IndexThreshold: 0}, metaStore)
	mgr := New(Config{Store: s, Metadata: metaStore, Embedder: embedding.NewLocal(testDims)})

	ctx := context.Background()
	persona, err := mgr.CreatePersona(ctx, "owner", PersonaConfig{MaxMemorySize: 10, MemoryDecayTime: time.Hour})
	require.NoError(t, err)

	importances := []float64{0.9, 0.1, 0.5, 0.8}
	ids := make([]string, len(importances))
	for i, imp := range importances {
		importance := imp
		id, err := mgr.AddMemory(ctx, persona.ID, MemoryInput{
			Type:       metadata.MemoryTypeFact,
			Content:    "memory content",
			Importance: &importance,
		})
		require.NoError(t, err)
		ids[i] = id.String()
	}

	// Force a cap below the current count so exactly one survivor must be evicted.
	persona.MaxMemorySize = 3
	require.NoError(t, metaStore.PutPersona(ctx, metadata.PersonaRow{
		ID: persona.ID, Owner: persona.Owner, MaxMemorySize: 3,
		MemoryDecaySeconds: int64(persona.MemoryDecayTime.Seconds()), CreatedAt: persona.CreatedAt,
	}))

	require.NoError(t, mgr.EnforceMemoryLimits(ctx, persona.ID))

	remaining, err := metaStore.ListByPersona(ctx, persona.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)

	survivingImportances := make(map[float64]bool)
	for _, r := range remaining {
		survivingImportances[r.Importance] = true
	}
	require.True(t, survivingImportances[0.9])
	require.True(t, survivingImportances[0.8])
	require.True(t, survivingImportances[0.5])
	require.False(t, survivingImportances[0.1])
}

func TestCleanupExpiredMemoriesRespectsPerpetualTier(t *testing.T) {
	metaStore, _ := metadata.Open(filepath.Join(t.TempDir(), "memoria.db"))
	defer metaStore.Close()
	s, _ := store.New(store.Config{MaxMemoryBytes: int64(100 * testDims * 4), Dimensions: testDims, IndexThreshold: 0}, metaStore)
	mgr := New(Config{Store: s, Metadata: metaStore, Embedder: embedding.NewLocal(testDims)})

	ctx := context.Background()
	persona, err := mgr.CreatePersona(ctx, "owner", PersonaConfig{MaxMemorySize: 100, MemoryDecayTime: time.Hour})
	require.NoError(t, err)

	lowImportance := 0.3
	highImportance := 0.9
	lowID, err := mgr.AddMemory(ctx, persona.ID, MemoryInput{Type: metadata.MemoryTypeFact, Content: "low value memory", Importance: &lowImportance})
	require.NoError(t, err)
	highID, err := mgr.AddMemory(ctx, persona.ID, MemoryInput{Type: metadata.MemoryTypeFact, Content: "high value memory", Importance: &highImportance})
	require.NoError(t, err)

	// Backdate both records by 2 hours, past the 1-hour decay time.
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, metaStore.UpdateMemoryRecord(ctx, lowID, func(r *metadata.Record) { r.CreatedAt = past }))
	require.NoError(t, metaStore.UpdateMemoryRecord(ctx, highID, func(r *metadata.Record) { r.CreatedAt = past }))

	removed, err := mgr.CleanupExpiredMemories(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = metaStore.GetMemoryRecord(ctx, lowID)
	require.Error(t, err)
	_, err = metaStore.GetMemoryRecord(ctx, highID)
	require.NoError(t, err)
}
