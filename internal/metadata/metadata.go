// Package metadata persists persona memory records to SQLite. The vector
// buffer itself is never persisted: on startup the store is rebuilt from
// these rows, re-embedding content when no vector blob was saved. Grounded
// on vecgo/storage.SQLite (schema/pragma setup, float32 blob codec) and
// internal/database's versioned migration runner.
package metadata

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"memoria/internal/errs"
	"memoria/pkg/ids"
)

// MemoryType enumerates the kinds of memory records the wire API and the
// persona manager both recognize. Values must match exactly; unknown
// values are rejected rather than silently coerced.
type MemoryType string

const (
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeContext      MemoryType = "context"
	MemoryTypeSystem       MemoryType = "system"
)

func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryTypeConversation, MemoryTypeFact, MemoryTypePreference, MemoryTypeContext, MemoryTypeSystem:
		return true
	}
	return false
}

// Speaker identifies which party produced a conversation-type memory.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Record is the durable snapshot of a single memory: the original content,
// its classification, and the bookkeeping fields the manager's scoring
// formulas read (importance, access stats, conversation linkage).
type Record struct {
	ID             ids.VectorID
	PersonaID      string
	Type           MemoryType
	Content        string
	Speaker        Speaker
	ConversationID string
	Importance     float64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Vector         []float32 // nil if not persisted (forces re-embed on rebuild)
}

// Store is the persisted metadata backing store. Alongside the SQLite
// tables it keeps a small in-memory id->personaId index so it can serve
// store.MetadataLookup (used to filter search hits by persona) without a
// database round trip under the vector store's lock, per spec.md §5's
// rule that metadata store access stays outside that lock.
type Store struct {
	db *sql.DB

	indexMu      sync.RWMutex
	personaIndex map[string]string // VectorID.String() -> personaId
}

// Open opens (creating if absent) a SQLite-backed metadata store at path,
// runs pending migrations, and primes the in-memory persona index from
// whatever rows already exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New("metadata.Open", errs.KindDependency, err)
	}

	s := &Store{db: db, personaIndex: make(map[string]string)}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.primePersonaIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) primePersonaIndex() error {
	rows, err := s.db.Query("SELECT id, persona_id FROM memory_records")
	if err != nil {
		return errs.New("metadata.primePersonaIndex", errs.KindDependency, err)
	}
	defer rows.Close()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for rows.Next() {
		var id, personaID string
		if err := rows.Scan(&id, &personaID); err != nil {
			return errs.New("metadata.primePersonaIndex", errs.KindDependency, err)
		}
		s.personaIndex[id] = personaID
	}
	return rows.Err()
}

// Lookup implements store.MetadataLookup: it returns the indexed metadata
// (currently just personaId) for id from the in-memory index, so
// IndexedVectorStore.Search can filter by persona without touching SQLite
// while holding its own lock.
func (s *Store) Lookup(id ids.VectorID) (map[string]string, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	personaID, ok := s.personaIndex[id.String()]
	if !ok {
		return nil, false
	}
	return map[string]string{"personaId": personaID}, true
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return errs.New("metadata.configure", errs.KindDependency, err)
		}
	}
	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func migrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "create_memory_records",
			sql: `
				CREATE TABLE IF NOT EXISTS memory_records (
					id TEXT PRIMARY KEY,
					persona_id TEXT NOT NULL,
					type TEXT NOT NULL,
					content TEXT NOT NULL,
					speaker TEXT,
					conversation_id TEXT,
					importance REAL NOT NULL DEFAULT 0.5,
					created_at DATETIME NOT NULL,
					last_accessed_at DATETIME NOT NULL,
					access_count INTEGER NOT NULL DEFAULT 0,
					vector BLOB
				);
				CREATE INDEX IF NOT EXISTS idx_memory_persona ON memory_records (persona_id);
				CREATE INDEX IF NOT EXISTS idx_memory_conversation ON memory_records (conversation_id);
				CREATE INDEX IF NOT EXISTS idx_memory_created_at ON memory_records (created_at);

				CREATE TABLE IF NOT EXISTS personas (
					id TEXT PRIMARY KEY,
					owner TEXT NOT NULL,
					max_memory_size INTEGER NOT NULL,
					memory_decay_seconds INTEGER NOT NULL,
					system_prompt TEXT,
					created_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS schema_migrations (
					version INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

// currentSchemaVersion reads the highest applied migration version.
// schema_migrations is itself created by migration 1, so on a fresh
// database the table doesn't exist yet; that case means no migration has
// ever run, i.e. version 0.
func (s *Store) currentSchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func (s *Store) migrate() error {
	current, err := s.currentSchemaVersion()
	if err != nil {
		return errs.New("metadata.migrate", errs.KindDependency, err)
	}

	for _, m := range migrations() {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return errs.New("metadata.migrate", errs.KindDependency, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return errs.New("metadata.migrate", errs.KindDependency, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err))
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return errs.New("metadata.migrate", errs.KindDependency, err)
		}
		if err := tx.Commit(); err != nil {
			return errs.New("metadata.migrate", errs.KindDependency, err)
		}
	}
	return nil
}

// PutMemoryRecord inserts or replaces a single record atomically.
func (s *Store) PutMemoryRecord(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_records
		(id, persona_id, type, content, speaker, conversation_id, importance, created_at, last_accessed_at, access_count, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID.String(), r.PersonaID, string(r.Type), r.Content, string(r.Speaker), r.ConversationID,
		r.Importance, r.CreatedAt, r.LastAccessedAt, r.AccessCount, encodeVector(r.Vector),
	)
	if err != nil {
		return errs.New("metadata.PutMemoryRecord", errs.KindDependency, err)
	}

	s.indexMu.Lock()
	s.personaIndex[r.ID.String()] = r.PersonaID
	s.indexMu.Unlock()
	return nil
}

// GetMemoryRecord fetches a single record by id.
func (s *Store) GetMemoryRecord(ctx context.Context, id ids.VectorID) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, persona_id, type, content, speaker, conversation_id, importance, created_at, last_accessed_at, access_count, vector
		FROM memory_records WHERE id = ?
	`, id.String())
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, errs.New("metadata.GetMemoryRecord", errs.KindNotFound, errs.ErrNotFound)
	}
	if err != nil {
		return Record{}, errs.New("metadata.GetMemoryRecord", errs.KindDependency, err)
	}
	return r, nil
}

// DeleteMemoryRecord removes a record by id.
func (s *Store) DeleteMemoryRecord(ctx context.Context, id ids.VectorID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memory_records WHERE id = ?", id.String())
	if err != nil {
		return errs.New("metadata.DeleteMemoryRecord", errs.KindDependency, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New("metadata.DeleteMemoryRecord", errs.KindNotFound, errs.ErrNotFound)
	}

	s.indexMu.Lock()
	delete(s.personaIndex, id.String())
	s.indexMu.Unlock()
	return nil
}

// ListByPersona returns every record belonging to personaID, in no
// particular order; callers sort as their operation requires.
func (s *Store) ListByPersona(ctx context.Context, personaID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, type, content, speaker, conversation_id, importance, created_at, last_accessed_at, access_count, vector
		FROM memory_records WHERE persona_id = ?
	`, personaID)
	if err != nil {
		return nil, errs.New("metadata.ListByPersona", errs.KindDependency, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errs.New("metadata.ListByPersona", errs.KindDependency, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateMemoryRecord applies mutate to the current record for id and
// persists the result in the same atomic write.
func (s *Store) UpdateMemoryRecord(ctx context.Context, id ids.VectorID, mutate func(*Record)) error {
	r, err := s.GetMemoryRecord(ctx, id)
	if err != nil {
		return err
	}
	mutate(&r)
	return s.PutMemoryRecord(ctx, r)
}

// CountActiveMemories returns the number of records currently stored for a
// persona.
func (s *Store) CountActiveMemories(ctx context.Context, personaID string) (int, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_records WHERE persona_id = ?", personaID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.New("metadata.CountActiveMemories", errs.KindDependency, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var idStr, personaID, typ, speaker, convID string
	var vecBytes []byte
	err := row.Scan(&idStr, &personaID, &typ, &r.Content, &speaker, &convID, &r.Importance,
		&r.CreatedAt, &r.LastAccessedAt, &r.AccessCount, &vecBytes)
	if err != nil {
		return Record{}, err
	}
	id, perr := ids.ParseVectorID(idStr)
	if perr != nil {
		return Record{}, perr
	}
	r.ID = id
	r.PersonaID = personaID
	r.Type = MemoryType(typ)
	r.Speaker = Speaker(speaker)
	r.ConversationID = convID
	r.Vector = decodeVector(vecBytes)
	return r, nil
}

func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// PersonaRow is the persisted form of a persona's lifecycle configuration.
type PersonaRow struct {
	ID                 string
	Owner              string
	MaxMemorySize      int
	MemoryDecaySeconds int64
	SystemPrompt       string
	CreatedAt          time.Time
}

// PutPersona inserts or replaces a persona row.
func (s *Store) PutPersona(ctx context.Context, p PersonaRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO personas (id, owner, max_memory_size, memory_decay_seconds, system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Owner, p.MaxMemorySize, p.MemoryDecaySeconds, p.SystemPrompt, p.CreatedAt)
	if err != nil {
		return errs.New("metadata.PutPersona", errs.KindDependency, err)
	}
	return nil
}

// GetPersona fetches a persona row by id.
func (s *Store) GetPersona(ctx context.Context, id string) (PersonaRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, max_memory_size, memory_decay_seconds, system_prompt, created_at
		FROM personas WHERE id = ?
	`, id)
	var p PersonaRow
	err := row.Scan(&p.ID, &p.Owner, &p.MaxMemorySize, &p.MemoryDecaySeconds, &p.SystemPrompt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return PersonaRow{}, errs.New("metadata.GetPersona", errs.KindNotFound, errs.ErrPersonaNotFound)
	}
	if err != nil {
		return PersonaRow{}, errs.New("metadata.GetPersona", errs.KindDependency, err)
	}
	return p, nil
}

// ListPersonas returns every persisted persona, used by the startup buffer
// rebuild and by the periodic cleanup and limit-enforcement sweeps.
func (s *Store) ListPersonas(ctx context.Context) ([]PersonaRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, owner, max_memory_size, memory_decay_seconds, system_prompt, created_at FROM personas")
	if err != nil {
		return nil, errs.New("metadata.ListPersonas", errs.KindDependency, err)
	}
	defer rows.Close()

	var out []PersonaRow
	for rows.Next() {
		var p PersonaRow
		if err := rows.Scan(&p.ID, &p.Owner, &p.MaxMemorySize, &p.MemoryDecaySeconds, &p.SystemPrompt, &p.CreatedAt); err != nil {
			return nil, errs.New("metadata.ListPersonas", errs.KindDependency, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
