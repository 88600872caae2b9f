/*
idempotency.go - Idempotency-Key replay for POST endpoints

PURPOSE:
  A client retrying a redeem, cancel or submit after a network failure
  sends the same Idempotency-Key header. The first completed response is
  stored and replayed for the retry with "Idempotent-Replayed: true", so
  a retry never redeems twice.

SCOPE:
  Keys are scoped by actor and path. Only responses below 500 are
  stored: an internal failure commits nothing and may be retried.

BACKENDS:
  MemoryIdempotencyStore   single process, expiry checked on read
  RedisIdempotencyStore    shared between replicas (go-redis, SET EX)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const idempotencyHeader = "Idempotency-Key"

// CachedResponse is a stored response.
type CachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

type memoryEntry struct {
	resp    CachedResponse
	expires time.Time
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return CachedResponse{}, false, nil
	}
	if s.now().After(e.expires) {
		delete(s.entries, key)
		return CachedResponse{}, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{resp: resp, expires: s.now().Add(ttl)}
	return nil
}

// =============================================================================
// REDIS BACKEND
// =============================================================================

type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "points:idem:"}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return CachedResponse{}, false, err
	}
	return resp, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// responseRecorder captures status and body for storage.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency returns middleware replaying POST responses by key. Store
// failures degrade to normal processing.
func Idempotency(store IdempotencyStore, ttl time.Duration, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(idempotencyHeader)
			if store == nil || r.Method != http.MethodPost || header == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := string(ActorFrom(r.Context())) + ":" + r.URL.Path + ":" + header

			cached, ok, err := store.Get(r.Context(), key)
			if err != nil {
				log.WithError(err).Warn("idempotency lookup failed")
			}
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.statusCode >= http.StatusInternalServerError {
				return
			}
			resp := CachedResponse{Status: rec.statusCode, Body: rec.body.Bytes()}
			if err := store.Put(r.Context(), key, resp, ttl); err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}
