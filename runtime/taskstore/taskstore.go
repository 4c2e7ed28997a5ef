// Package taskstore persists OrchestrationContext state between turns of a
// long-running task (spec §6.4). The Redis-backed Store is the production
// implementation; InMemoryStore is a lightweight double for tests that do
// not want a live Redis instance.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// DefaultTTL is the TaskStore.TTL default (§6.3).
const DefaultTTL = 24 * time.Hour

// ErrEtagMismatch is returned by Save when the stored etag no longer matches
// expectedEtag, signaling the caller should reload, reapply its changes, and
// retry once (§4.5 step 6, §7 Persistence kind).
var ErrEtagMismatch = errors.New("taskstore: etag mismatch")

// TaskPersistenceRecord is the durable snapshot of one task's conversation
// state, keyed by taskId.
type TaskPersistenceRecord struct {
	Context   lucia.OrchestrationContext
	TaskState lucia.TaskState
	UpdatedAt time.Time
}

// ITaskStore persists TaskPersistenceRecords with optimistic concurrency via
// an etag. Reads are unguarded; writes use compare-and-swap (§5).
type ITaskStore interface {
	// Load fetches the record for taskID. found is false when nothing is
	// persisted (or it expired) — callers fall back to a fresh context.
	Load(ctx context.Context, taskID string) (record TaskPersistenceRecord, etag string, found bool, err error)
	// Save persists record under taskID with the given ttl. If expectedEtag is
	// non-empty and does not match the currently stored etag, ErrEtagMismatch
	// is returned and nothing is written. A freshly generated etag is returned
	// on success.
	Save(ctx context.Context, taskID string, record TaskPersistenceRecord, expectedEtag string, ttl time.Duration) (newEtag string, err error)
}

// casScript atomically checks the stored envelope's etag field against
// ARGV[1] and, on match, writes the new envelope with the given TTL. An
// empty expected value skips the check and always writes.
// Storing {record, etag} together under one key avoids a separate companion
// key and the non-atomic GET-then-SET races that would come with one.
var casScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]
local newEnvelope = ARGV[2]
local newEtag = ARGV[3]
local ttlSeconds = ARGV[4]

local current = redis.call("GET", key)
if expected ~= "" then
  local currentEtag = ""
  if current then
    local decoded = cjson.decode(current)
    currentEtag = decoded.etag
  end
  if currentEtag ~= expected then
    return 0
  end
end

redis.call("SET", key, newEnvelope, "EX", ttlSeconds)
return 1
`)

// envelope is the single-key wire format: the record plus its etag.
type envelope struct {
	Record TaskPersistenceRecord `json:"record"`
	Etag   string                `json:"etag"`
}

// Store is the Redis-backed ITaskStore. Keys follow "lucia:task:{taskId}".
type Store struct {
	redis *redis.Client
}

// New constructs a Redis-backed task store. client must be non-nil and
// already configured (address/auth/TLS) by the caller.
func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("taskstore: redis client is required")
	}
	return &Store{redis: client}, nil
}

func taskKey(taskID string) string { return "lucia:task:" + taskID }

// Load implements ITaskStore.
func (s *Store) Load(ctx context.Context, taskID string) (TaskPersistenceRecord, string, bool, error) {
	raw, err := s.redis.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TaskPersistenceRecord{}, "", false, nil
	}
	if err != nil {
		return TaskPersistenceRecord{}, "", false, fmt.Errorf("taskstore: load %s: %w", taskID, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskPersistenceRecord{}, "", false, fmt.Errorf("taskstore: decode %s: %w", taskID, err)
	}
	return env.Record, env.Etag, true, nil
}

// Save implements ITaskStore using a Lua script for atomic compare-and-swap.
func (s *Store) Save(ctx context.Context, taskID string, record TaskPersistenceRecord, expectedEtag string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	newEtag := uuid.NewString()
	payload, err := json.Marshal(envelope{Record: record, Etag: newEtag})
	if err != nil {
		return "", fmt.Errorf("taskstore: encode %s: %w", taskID, err)
	}

	res, err := casScript.Run(ctx, s.redis,
		[]string{taskKey(taskID)},
		expectedEtag, payload, newEtag, int64(ttl.Seconds()),
	).Int()
	if err != nil {
		return "", fmt.Errorf("taskstore: save %s: %w", taskID, err)
	}
	if res == 0 {
		return "", ErrEtagMismatch
	}
	return newEtag, nil
}

// InMemoryStore is a non-durable ITaskStore used in tests and for single-node
// development without Redis. It applies the same CAS semantics as Store.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]TaskPersistenceRecord
	etags   map[string]string
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]TaskPersistenceRecord),
		etags:   make(map[string]string),
	}
}

// Load implements ITaskStore.
func (s *InMemoryStore) Load(_ context.Context, taskID string) (TaskPersistenceRecord, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[taskID]
	if !ok {
		return TaskPersistenceRecord{}, "", false, nil
	}
	return record, s.etags[taskID], true, nil
}

// Save implements ITaskStore.
func (s *InMemoryStore) Save(_ context.Context, taskID string, record TaskPersistenceRecord, expectedEtag string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expectedEtag != "" && s.etags[taskID] != expectedEtag {
		return "", ErrEtagMismatch
	}
	newEtag := uuid.NewString()
	s.records[taskID] = record
	s.etags[taskID] = newEtag
	return newEtag, nil
}

var _ ITaskStore = (*Store)(nil)
var _ ITaskStore = (*InMemoryStore)(nil)
