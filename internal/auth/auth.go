// Package auth manages API keys: generation, bcrypt-hashed storage,
// permission sets, and expiration. Grounded on internal/auth.TokenStorage's
// generate-hash-store-validate shape, but the raw token is hashed with
// bcrypt at a configurable cost (apiKeySaltRounds) instead of plain sha256,
// since spec.md §6.3 requires a tunable cost factor sha256 cannot provide.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"

	"memoria/internal/errs"
	"memoria/pkg/ids"
)

// Permission is a single grant an API key can hold. The wire API rejects
// any permission string outside this set.
type Permission string

const (
	PermRead          Permission = "read"
	PermWrite         Permission = "write"
	PermVectorsRead   Permission = "vectors:read"
	PermVectorsWrite  Permission = "vectors:write"
	PermPersonasRead  Permission = "personas:read"
	PermPersonasWrite Permission = "personas:write"
	PermAdmin         Permission = "admin"
)

func ValidPermission(p Permission) bool {
	switch p {
	case PermRead, PermWrite, PermVectorsRead, PermVectorsWrite, PermPersonasRead, PermPersonasWrite, PermAdmin:
		return true
	}
	return false
}

// KeyInfo is the public (non-secret) view of a stored API key.
type KeyInfo struct {
	KeyID       string
	Name        string
	Permissions []Permission
	RateLimit   int // requests per window, stored only; the HTTP rate limiter applies its server-wide limit to every key
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	Revoked     bool
}

// HasPermission reports whether the key grants p, treating admin as a
// superset of every other permission.
func (k KeyInfo) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == PermAdmin || have == p {
			return true
		}
	}
	return false
}

// Expired reports whether the key's expiration has passed.
func (k KeyInfo) Expired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// CreateKeyRequest describes a new API key to mint.
type CreateKeyRequest struct {
	Name        string
	Permissions []Permission
	RateLimit   int
	ExpiresAt   *time.Time
}

// CreateKeyResponse carries the one-time raw key alongside its public info.
type CreateKeyResponse struct {
	RawKey string
	Info   KeyInfo
}

// Store persists API keys to SQLite, hashing each raw key with bcrypt
// before it ever touches disk.
type Store struct {
	db         *sql.DB
	costFactor int
}

// NewStore wraps an already-open database handle; call Migrate to create
// the api_keys table before use.
// costFactor is the bcrypt work factor (spec.md's apiKeySaltRounds); 0
// selects bcrypt.DefaultCost.
func NewStore(db *sql.DB, costFactor int) *Store {
	if costFactor <= 0 {
		costFactor = bcrypt.DefaultCost
	}
	return &Store{db: db, costFactor: costFactor}
}

// Migrate creates the api_keys table if absent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hashed_key TEXT NOT NULL,
			permissions TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			last_used_at DATETIME,
			revoked BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_revoked ON api_keys (revoked);
	`)
	if err != nil {
		return errs.New("auth.Migrate", errs.KindDependency, err)
	}
	return nil
}

// CreateKey generates a random raw key, hashes it, and stores it.
func (s *Store) CreateKey(req CreateKeyRequest) (CreateKeyResponse, error) {
	if strings.TrimSpace(req.Name) == "" {
		return CreateKeyResponse{}, errs.New("auth.CreateKey", errs.KindValidation, errs.ErrInvalidConfig)
	}
	for _, p := range req.Permissions {
		if !ValidPermission(p) {
			return CreateKeyResponse{}, errs.New("auth.CreateKey", errs.KindValidation, errs.ErrInvalidConfig)
		}
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return CreateKeyResponse{}, errs.New("auth.CreateKey", errs.KindInternal, err)
	}
	rawKey := "memoria_" + hex.EncodeToString(rawBytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(rawKey), s.costFactor)
	if err != nil {
		return CreateKeyResponse{}, errs.New("auth.CreateKey", errs.KindInternal, err)
	}

	keyID := ids.NewID()
	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO api_keys (key_id, name, hashed_key, permissions, rate_limit, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, keyID, req.Name, string(hashed), encodePermissions(req.Permissions), req.RateLimit, now, req.ExpiresAt)
	if err != nil {
		return CreateKeyResponse{}, errs.New("auth.CreateKey", errs.KindDependency, err)
	}

	return CreateKeyResponse{
		RawKey: rawKey,
		Info: KeyInfo{
			KeyID:       keyID,
			Name:        req.Name,
			Permissions: req.Permissions,
			RateLimit:   req.RateLimit,
			CreatedAt:   now,
			ExpiresAt:   req.ExpiresAt,
		},
	}, nil
}

// Validate checks a raw key presented over the wire (the X-API-Key
// header) against every non-revoked stored key, since bcrypt hashes are
// not directly indexable. It returns the matching key's public info.
func (s *Store) Validate(rawKey string) (KeyInfo, error) {
	if rawKey == "" {
		return KeyInfo{}, errs.New("auth.Validate", errs.KindPermission, errs.ErrNotFound)
	}

	rows, err := s.db.Query(`
		SELECT key_id, name, hashed_key, permissions, rate_limit, created_at, expires_at, last_used_at, revoked
		FROM api_keys WHERE revoked = 0
	`)
	if err != nil {
		return KeyInfo{}, errs.New("auth.Validate", errs.KindDependency, err)
	}
	defer rows.Close()

	for rows.Next() {
		var info KeyInfo
		var hashed, perms string
		if err := rows.Scan(&info.KeyID, &info.Name, &hashed, &perms, &info.RateLimit,
			&info.CreatedAt, &info.ExpiresAt, &info.LastUsedAt, &info.Revoked); err != nil {
			return KeyInfo{}, errs.New("auth.Validate", errs.KindDependency, err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(rawKey)) != nil {
			continue
		}
		info.Permissions = decodePermissions(perms)
		if info.Expired() {
			return KeyInfo{}, errs.New("auth.Validate", errs.KindPermission, errs.ErrNotFound)
		}
		s.touchLastUsed(info.KeyID)
		return info, nil
	}

	return KeyInfo{}, errs.New("auth.Validate", errs.KindPermission, errs.ErrNotFound)
}

func (s *Store) touchLastUsed(keyID string) {
	s.db.Exec("UPDATE api_keys SET last_used_at = ? WHERE key_id = ?", time.Now(), keyID)
}

// Revoke marks a key inactive by id.
func (s *Store) Revoke(keyID string) error {
	res, err := s.db.Exec("UPDATE api_keys SET revoked = 1 WHERE key_id = ?", keyID)
	if err != nil {
		return errs.New("auth.Revoke", errs.KindDependency, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New("auth.Revoke", errs.KindNotFound, errs.ErrNotFound)
	}
	return nil
}

// List returns every stored key's public info, optionally including
// revoked keys.
func (s *Store) List(includeRevoked bool) ([]KeyInfo, error) {
	query := "SELECT key_id, name, permissions, rate_limit, created_at, expires_at, last_used_at, revoked FROM api_keys"
	if !includeRevoked {
		query += " WHERE revoked = 0"
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errs.New("auth.List", errs.KindDependency, err)
	}
	defer rows.Close()

	var out []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var perms string
		if err := rows.Scan(&info.KeyID, &info.Name, &perms, &info.RateLimit,
			&info.CreatedAt, &info.ExpiresAt, &info.LastUsedAt, &info.Revoked); err != nil {
			return nil, errs.New("auth.List", errs.KindDependency, err)
		}
		info.Permissions = decodePermissions(perms)
		out = append(out, info)
	}
	return out, rows.Err()
}

func encodePermissions(perms []Permission) string {
	strs := make([]string, len(perms))
	for i, p := range perms {
		strs[i] = string(p)
	}
	return strings.Join(strs, ",")
}

func decodePermissions(s string) []Permission {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Permission, len(parts))
	for i, p := range parts {
		out[i] = Permission(p)
	}
	return out
}
