// Package memory implements the persona memory lifecycle: creating
// personas, recording and retrieving memories, enforcing capacity, and
// decaying stale low-importance memories over time. It sits above
// internal/store (the vector index) and internal/metadata (durable
// records), composing them the way vecgo.Pipeline composes its chunker,
// embedder, index, and storage stages, but built around persona-scoped
// lifecycle operations instead of a single flat document corpus.
package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"memoria/internal/embedding"
	"memoria/internal/errs"
	"memoria/internal/logging"
	"memoria/internal/metadata"
	"memoria/internal/store"
	"memoria/pkg/ids"
)

const (
	minMaxMemorySize = 10
	maxMaxMemorySize = 10000
	minDecayTime     = time.Minute
	maxDecayTime     = 365 * 24 * time.Hour

	defaultDecayImportanceThreshold = 0.7

	// recencyHalfLifeHours sets λ in recencyFactor = exp(-λ*ageHours) so that a
	// memory's recency contribution halves roughly every 7 days.
	recencyHalfLifeHours = 7 * 24.0

	similarityWeight = 1.0
	importanceWeight = 0.10
	recencyWeight    = 0.05

	evictImportanceWeight = 0.5
	evictAgeWeight        = 0.3
	evictAccessWeight     = 0.2

	importanceRecencyWeight   = 0.3
	importanceAccessWeight    = 0.3
	importanceEmotionalWeight = 0.2
	importanceContextWeight   = 0.2

	accessFrequencyCap = 10
)

// Persona is a named owner of a bounded, decaying memory set.
type Persona struct {
	ID              string
	Owner           string
	MaxMemorySize   int
	MemoryDecayTime time.Duration
	SystemPrompt    string
	CreatedAt       time.Time
}

// PersonaConfig configures a new persona. MaxMemorySize must fall in
// [10,10000] and MemoryDecayTime in [1m,1y].
type PersonaConfig struct {
	MaxMemorySize   int
	MemoryDecayTime time.Duration
	SystemPrompt    string
}

// SentimentAnalyzer scores the emotional significance of text in [0,1]. A
// manager with none wired stubs this factor to 0.5, per design note: the
// emotional and contextual-relevance factors may be stubbed when no
// analyzer is configured.
type SentimentAnalyzer interface {
	Score(text string) float64
}

// Config wires a Manager's collaborators explicitly, per the no-global-
// singleton design requirement: embedding, persistence, and similarity all
// come from the caller.
type Config struct {
	Store                    *store.Store
	Metadata                 *metadata.Store
	Embedder                 embedding.Embedder
	Sentiment                SentimentAnalyzer // optional
	DecayImportanceThreshold float64           // default 0.7
	Logger                   *logging.Logger
}

// Manager implements persona memory lifecycle operations.
type Manager struct {
	store     *store.Store
	meta      *metadata.Store
	embedder  embedding.Embedder
	sentiment SentimentAnalyzer
	threshold float64
	log       *logging.Logger
}

// New constructs a Manager from its wired collaborators.
func New(cfg Config) *Manager {
	threshold := cfg.DecayImportanceThreshold
	if threshold <= 0 {
		threshold = defaultDecayImportanceThreshold
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New("memory", logging.LevelInfo)
	}
	return &Manager{
		store:     cfg.Store,
		meta:      cfg.Metadata,
		embedder:  cfg.Embedder,
		sentiment: cfg.Sentiment,
		threshold: threshold,
		log:       log,
	}
}

// CreatePersona validates config and persists a new persona.
func (m *Manager) CreatePersona(ctx context.Context, owner string, cfg PersonaConfig) (Persona, error) {
	if cfg.MaxMemorySize < minMaxMemorySize || cfg.MaxMemorySize > maxMaxMemorySize {
		return Persona{}, errs.New("memory.CreatePersona", errs.KindValidation, errs.ErrInvalidConfig)
	}
	if cfg.MemoryDecayTime < minDecayTime || cfg.MemoryDecayTime > maxDecayTime {
		return Persona{}, errs.New("memory.CreatePersona", errs.KindValidation, errs.ErrInvalidConfig)
	}

	p := Persona{
		ID:              ids.NewID(),
		Owner:           owner,
		MaxMemorySize:   cfg.MaxMemorySize,
		MemoryDecayTime: cfg.MemoryDecayTime,
		SystemPrompt:    cfg.SystemPrompt,
		CreatedAt:       time.Now(),
	}

	row := metadata.PersonaRow{
		ID:                 p.ID,
		Owner:              p.Owner,
		MaxMemorySize:      p.MaxMemorySize,
		MemoryDecaySeconds: int64(p.MemoryDecayTime.Seconds()),
		SystemPrompt:       p.SystemPrompt,
		CreatedAt:          p.CreatedAt,
	}
	if err := m.meta.PutPersona(ctx, row); err != nil {
		return Persona{}, errs.Wrap("memory.CreatePersona", err)
	}
	m.log.Infof("created persona %s for owner %s", p.ID, owner)
	return p, nil
}

func (m *Manager) getPersona(ctx context.Context, personaID string) (Persona, error) {
	row, err := m.meta.GetPersona(ctx, personaID)
	if err != nil {
		return Persona{}, err
	}
	return Persona{
		ID:              row.ID,
		Owner:           row.Owner,
		MaxMemorySize:   row.MaxMemorySize,
		MemoryDecayTime: time.Duration(row.MemoryDecaySeconds) * time.Second,
		SystemPrompt:    row.SystemPrompt,
		CreatedAt:       row.CreatedAt,
	}, nil
}

// MemoryInput describes the content of a single memory to add.
type MemoryInput struct {
	Type           metadata.MemoryType
	Content        string
	Speaker        metadata.Speaker // only meaningful for conversation type
	ConversationID string
	Importance     *float64 // nil means "compute it"
}

// AddMemory validates the persona, embeds content, inserts the vector,
// persists metadata, and enforces the capacity limit. Any failure rolls
// back everything done so far for this call.
func (m *Manager) AddMemory(ctx context.Context, personaID string, in MemoryInput) (ids.VectorID, error) {
	persona, err := m.getPersona(ctx, personaID)
	if err != nil {
		return ids.VectorID{}, errs.Wrap("memory.AddMemory", err)
	}
	if in.Type != "" && !metadata.ValidMemoryType(in.Type) {
		return ids.VectorID{}, errs.New("memory.AddMemory", errs.KindValidation, errs.ErrInvalidConfig)
	}
	if in.Type == "" {
		in.Type = metadata.MemoryTypeFact
	}

	vecs, err := m.embedder.Embed(ctx, []string{in.Content})
	if err != nil {
		return ids.VectorID{}, errs.Wrap("memory.AddMemory", err)
	}
	vec := vecs[0]

	id := ids.NewVectorID()
	if err := m.store.AddVector(id, vec); err != nil {
		return ids.VectorID{}, errs.Wrap("memory.AddMemory", err)
	}

	now := time.Now()
	importance := 0.5
	if in.Importance != nil {
		importance = *in.Importance
	} else {
		importance = m.computeImportance(in.Content, persona, now, 0)
	}

	record := metadata.Record{
		ID:             id,
		PersonaID:      personaID,
		Type:           in.Type,
		Content:        in.Content,
		Speaker:        in.Speaker,
		ConversationID: in.ConversationID,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		Vector:         vec,
	}
	if err := m.meta.PutMemoryRecord(ctx, record); err != nil {
		// Roll back the vector insert: the caller must see an all-or-nothing result.
		m.store.DeleteVector(id)
		return ids.VectorID{}, errs.Wrap("memory.AddMemory", err)
	}

	count, err := m.meta.CountActiveMemories(ctx, personaID)
	if err != nil {
		m.log.Warnf("count active memories failed for %s: %v", personaID, err)
		return id, nil
	}
	if count > persona.MaxMemorySize {
		if err := m.EnforceMemoryLimits(ctx, personaID); err != nil {
			m.log.Warnf("enforce memory limits failed for %s: %v", personaID, err)
		}
	}

	return id, nil
}

// ConversationExchange holds the ids of the two linked records an exchange
// produces.
type ConversationExchange struct {
	UserMemoryID      ids.VectorID
	AssistantMemoryID ids.VectorID
	ConversationID    string
}

// AddConversationExchange records a user/assistant message pair as two
// linked conversation memories sharing a conversation id. If the
// assistant-side insert fails, the user-side insert is rolled back so the
// caller sees an all-or-nothing result.
func (m *Manager) AddConversationExchange(ctx context.Context, personaID, userMsg, assistantMsg, conversationID string) (ConversationExchange, error) {
	if conversationID == "" {
		conversationID = ids.NewID()
	}

	userID, err := m.AddMemory(ctx, personaID, MemoryInput{
		Type:           metadata.MemoryTypeConversation,
		Content:        userMsg,
		Speaker:        metadata.SpeakerUser,
		ConversationID: conversationID,
	})
	if err != nil {
		return ConversationExchange{}, errs.Wrap("memory.AddConversationExchange", err)
	}

	assistantID, err := m.AddMemory(ctx, personaID, MemoryInput{
		Type:           metadata.MemoryTypeConversation,
		Content:        assistantMsg,
		Speaker:        metadata.SpeakerAssistant,
		ConversationID: conversationID,
	})
	if err != nil {
		m.deleteMemory(ctx, userID)
		return ConversationExchange{}, errs.Wrap("memory.AddConversationExchange", err)
	}

	return ConversationExchange{UserMemoryID: userID, AssistantMemoryID: assistantID, ConversationID: conversationID}, nil
}

func (m *Manager) deleteMemory(ctx context.Context, id ids.VectorID) {
	m.store.DeleteVector(id)
	m.meta.DeleteMemoryRecord(ctx, id)
}

// RetrieveOptions configures RetrieveRelevantMemories.
type RetrieveOptions struct {
	Limit     int
	Threshold float32
}

// ScoredMemory pairs a persisted record with its retrieval score.
type ScoredMemory struct {
	Record     metadata.Record
	Similarity float32
	FinalScore float64
}

// RetrieveRelevantMemories embeds query, searches the persona's memories,
// enriches with metadata, and ranks by the combined similarity+importance
// +recency score.
func (m *Manager) RetrieveRelevantMemories(ctx context.Context, personaID, query string, opts RetrieveOptions) ([]ScoredMemory, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errs.Wrap("memory.RetrieveRelevantMemories", err)
	}

	hits, err := m.store.Search(vecs[0], store.SearchOptions{
		Limit:     opts.Limit * 2,
		Threshold: opts.Threshold,
		Filters:   map[string]string{"personaId": personaID},
	})
	if err != nil {
		return nil, errs.Wrap("memory.RetrieveRelevantMemories", err)
	}

	now := time.Now()
	scored := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		rec, err := m.meta.GetMemoryRecord(ctx, h.ID)
		if err != nil {
			continue // metadata missing or already deleted; skip silently
		}
		ageHours := now.Sub(rec.CreatedAt).Hours()
		recency := recencyFactor(ageHours)
		final := similarityWeight*float64(h.Similarity) + importanceWeight*rec.Importance + recencyWeight*recency
		scored = append(scored, ScoredMemory{Record: rec, Similarity: h.Similarity, FinalScore: final})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].FinalScore > scored[j].FinalScore })
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}

	for _, s := range scored {
		m.touchAccess(ctx, s.Record.ID)
	}

	return scored, nil
}

func (m *Manager) touchAccess(ctx context.Context, id ids.VectorID) {
	now := time.Now()
	m.meta.UpdateMemoryRecord(ctx, id, func(r *metadata.Record) {
		r.LastAccessedAt = now
		r.AccessCount++
	})
}

// GetConversationHistory returns every record in conversationID belonging
// to personaID, ordered oldest-first, truncated to limit most recent if
// limit > 0.
func (m *Manager) GetConversationHistory(ctx context.Context, personaID, conversationID string, limit int) ([]metadata.Record, error) {
	all, err := m.meta.ListByPersona(ctx, personaID)
	if err != nil {
		return nil, errs.Wrap("memory.GetConversationHistory", err)
	}

	var matched []metadata.Record
	for _, r := range all {
		if r.ConversationID == conversationID {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// EnforceMemoryLimits evicts the lowest-value memories for a persona until
// its count is back at or below MaxMemorySize.
func (m *Manager) EnforceMemoryLimits(ctx context.Context, personaID string) error {
	persona, err := m.getPersona(ctx, personaID)
	if err != nil {
		return errs.Wrap("memory.EnforceMemoryLimits", err)
	}

	records, err := m.meta.ListByPersona(ctx, personaID)
	if err != nil {
		return errs.Wrap("memory.EnforceMemoryLimits", err)
	}
	if len(records) <= persona.MaxMemorySize {
		return nil
	}

	now := time.Now()
	oldest, newest := oldestNewest(records)
	span := newest.Sub(oldest).Hours()
	if span <= 0 {
		span = 1
	}

	type scored struct {
		rec   metadata.Record
		evict float64
	}
	scoredList := make([]scored, 0, len(records))
	for _, r := range records {
		ageFraction := now.Sub(r.CreatedAt).Hours() / span
		if ageFraction > 1 {
			ageFraction = 1
		}
		recentAccess := recentAccessFactor(now, r.LastAccessedAt)
		evict := evictImportanceWeight*(1-r.Importance) + evictAgeWeight*ageFraction + evictAccessWeight*(1-recentAccess)
		scoredList = append(scoredList, scored{rec: r, evict: evict})
	}

	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].evict > scoredList[j].evict })

	toEvict := len(records) - persona.MaxMemorySize
	for i := 0; i < toEvict && i < len(scoredList); i++ {
		m.deleteMemory(ctx, scoredList[i].rec.ID)
	}
	return nil
}

// EnforceAllLimits runs EnforceMemoryLimits across every persona, used by
// the periodic maintenance scheduler.
func (m *Manager) EnforceAllLimits(ctx context.Context) error {
	personas, err := m.meta.ListPersonas(ctx)
	if err != nil {
		return errs.Wrap("memory.EnforceAllLimits", err)
	}
	for _, p := range personas {
		if err := m.EnforceMemoryLimits(ctx, p.ID); err != nil {
			m.log.Warnf("enforce memory limits failed for %s: %v", p.ID, err)
		}
	}
	return nil
}

// Rebuild repopulates the in-memory vector store from the durable metadata
// store at startup, per spec.md §6.2: the vector buffer itself is never
// persisted, so every boot walks every persona's records and re-inserts
// each one's vector, re-embedding from the saved content when no vector
// blob was stored (e.g. rows written before embeddings were persisted, or
// a deliberately vector-less import).
func (m *Manager) Rebuild(ctx context.Context) (int, error) {
	personas, err := m.meta.ListPersonas(ctx)
	if err != nil {
		return 0, errs.Wrap("memory.Rebuild", err)
	}

	rebuilt := 0
	for _, p := range personas {
		records, err := m.meta.ListByPersona(ctx, p.ID)
		if err != nil {
			return rebuilt, errs.Wrap("memory.Rebuild", err)
		}
		for _, r := range records {
			vec := r.Vector
			if vec == nil {
				vecs, err := m.embedder.Embed(ctx, []string{r.Content})
				if err != nil {
					m.log.Warnf("rebuild: re-embed failed for memory %s: %v", r.ID, err)
					continue
				}
				vec = vecs[0]
			}
			if err := m.store.AddVector(r.ID, vec); err != nil {
				m.log.Warnf("rebuild: insert failed for memory %s: %v", r.ID, err)
				continue
			}
			rebuilt++
		}
	}
	m.log.Infof("rebuilt %d memories across %d personas", rebuilt, len(personas))
	return rebuilt, nil
}

func oldestNewest(records []metadata.Record) (time.Time, time.Time) {
	oldest, newest := records[0].CreatedAt, records[0].CreatedAt
	for _, r := range records[1:] {
		if r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}
	return oldest, newest
}

func recentAccessFactor(now, lastAccessed time.Time) float64 {
	hoursSince := now.Sub(lastAccessed).Hours()
	if hoursSince < 0 {
		hoursSince = 0
	}
	return recencyFactor(hoursSince)
}

// CleanupExpiredMemories deletes, for every persona, memories whose age
// exceeds that persona's decay time and whose importance is below this
// manager's decay threshold. Memories at or above the threshold are kept
// indefinitely ("perpetual tier"), regardless of age.
func (m *Manager) CleanupExpiredMemories(ctx context.Context) (int, error) {
	personas, err := m.meta.ListPersonas(ctx)
	if err != nil {
		return 0, errs.Wrap("memory.CleanupExpiredMemories", err)
	}

	now := time.Now()
	removed := 0
	for _, p := range personas {
		records, err := m.meta.ListByPersona(ctx, p.ID)
		if err != nil {
			m.log.Warnf("list memories failed for persona %s: %v", p.ID, err)
			continue
		}
		decay := time.Duration(p.MemoryDecaySeconds) * time.Second
		for _, r := range records {
			if r.Importance >= m.threshold {
				continue
			}
			if now.Sub(r.CreatedAt) > decay {
				m.deleteMemory(ctx, r.ID)
				removed++
			}
		}
	}
	return removed, nil
}

// recencyFactor returns exp(-λ*ageHours), λ chosen so the factor halves
// every recencyHalfLifeHours.
func recencyFactor(ageHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0
	}
	lambda := math.Ln2 / recencyHalfLifeHours
	return math.Exp(-lambda * ageHours)
}

// computeImportance scores a memory when the caller supplies none,
// combining recency, access frequency, emotional significance, and
// contextual relevance. The emotional factor stubs to 0.5 when no
// SentimentAnalyzer is wired in; the relevance factor is always 0.5.
func (m *Manager) computeImportance(content string, persona Persona, now time.Time, accessCount int) float64 {
	recency := recencyFactor(0) // a brand-new memory is maximally recent
	accessFreq := math.Min(float64(accessCount), accessFrequencyCap) / accessFrequencyCap

	emotional := 0.5
	if m.sentiment != nil {
		emotional = math.Abs(m.sentiment.Score(content))
		if emotional > 1 {
			emotional = 1
		}
	}

	relevance := 0.5

	score := importanceRecencyWeight*recency +
		importanceAccessWeight*accessFreq +
		importanceEmotionalWeight*emotional +
		importanceContextWeight*relevance
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
