// Package content persists generated payloads in Redis, tagged with a
// schema version and a deterministic input hash. A stored entry is trusted
// on read only when both tags validate; anything else is a miss, regardless
// of how recently the entry was written. The store never recomputes —
// recomputation is the caller's decision.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gengate/gengate/internal/redis"
)

// Entry is one stored generation result.
type Entry struct {
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
	InputHash     string          `json:"input_hash"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// Store is a content-addressed cache backed by Redis.
type Store struct {
	client    redis.Client
	keyPrefix string
	ttl       time.Duration // 0 means entries never expire; they are superseded
	logger    *slog.Logger

	OnHit   func()
	OnMiss  func()
	OnStore func()
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets a Redis-side expiry on written entries. The default of zero
// keeps entries until the next write supersedes them.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a content store using the given namespace prefix.
func NewStore(client redis.Client, prefix string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: prefix,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) fullKey(key string) string {
	return s.keyPrefix + ":content:" + key
}

// Read returns the stored payload for key if it is still trustworthy:
// storedSchemaVersion >= currentSchemaVersion AND storedInputHash ==
// currentInputHash. Everything else — absent key, unreadable entry, version
// or hash mismatch, store failure — is a miss; a miss is normal control
// flow, never an error.
func (s *Store) Read(ctx context.Context, key string, currentSchemaVersion int, currentInputHash string) (json.RawMessage, bool) {
	data, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		return s.miss()
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("content: unreadable entry", "key", key, "error", err)
		return s.miss()
	}

	if e.SchemaVersion < currentSchemaVersion {
		s.logger.Debug("content: schema version too old",
			"key", key, "stored", e.SchemaVersion, "current", currentSchemaVersion)
		return s.miss()
	}
	if e.InputHash != currentInputHash {
		s.logger.Debug("content: input hash changed", "key", key)
		return s.miss()
	}

	if s.OnHit != nil {
		s.OnHit()
	}
	return e.Payload, true
}

func (s *Store) miss() (json.RawMessage, bool) {
	if s.OnMiss != nil {
		s.OnMiss()
	}
	return nil, false
}

// Write upserts the payload under key. Logically "replace": the previous
// entry for the key is superseded, never read again. Store failures are
// logged and swallowed — a failed cache write costs a future regeneration,
// not the current request.
func (s *Store) Write(ctx context.Context, key string, payload json.RawMessage, schemaVersion int, inputHash string) {
	entry := Entry{
		Payload:       payload,
		SchemaVersion: schemaVersion,
		InputHash:     inputHash,
		ComputedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("content: marshal error", "key", key, "error", err)
		return
	}

	if err := s.client.Set(ctx, s.fullKey(key), data, s.ttl).Err(); err != nil {
		s.logger.Warn("content: write failed", "key", key, "error", err)
		return
	}

	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("content: stored", "key", key, "schema_version", schemaVersion, "size", len(payload))
}

// fieldSeparator keeps adjacent fields from colliding ("ab"+"c" vs "a"+"bc")
// without appearing in real input values.
const fieldSeparator = "\x1f"

// InputHash digests the ordered, semantically relevant fields of a
// generation input. Callers pass exactly the fields that affect the output,
// in a fixed order, with absent values as empty strings — never omitted —
// so that adding a value to a previously absent field changes the hash the
// same way as editing one.
func InputHash(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))
	return hex.EncodeToString(sum[:])
}
