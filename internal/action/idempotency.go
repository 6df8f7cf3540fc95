package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// DefaultIdempotencyTTL is how long a recorded outcome is remembered.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// IdempotencyStore remembers which invocation keys have run.
type IdempotencyStore interface {
	// Reserve marks key as in progress. It returns false if the key was
	// already reserved or completed.
	Reserve(ctx context.Context, key string) (bool, error)

	// Load returns the recorded result for key, if the key has completed.
	Load(ctx context.Context, key string) (api.Result, bool, error)

	// Save records the result for a reserved key.
	Save(ctx context.Context, key string, res api.Result) error

	// Release drops a reservation without recording a result.
	Release(ctx context.Context, key string) error
}

// Deduplicate wraps h so that an invocation delivered more than once runs
// the handler at most once per idempotency key. A redelivery after
// completion returns the recorded result. A redelivery while the first
// attempt is still in progress returns a retryable failure. Retryable
// outcomes are not recorded, so a redelivery runs the handler again.
func Deduplicate(h Handler, store IdempotencyStore, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(ctx context.Context, req Request) api.Result {
		key := req.IdempotencyKey
		if key == "" {
			return h.Execute(ctx, req)
		}

		if res, ok, err := store.Load(ctx, key); err != nil {
			return api.RetryableFailure(fmt.Sprintf("idempotency lookup: %v", err))
		} else if ok {
			logger.InfoContext(ctx, "duplicate invocation suppressed",
				slog.String("idempotency_key", key),
				slog.String("action", string(req.Action)),
			)
			return res
		}

		reserved, err := store.Reserve(ctx, key)
		if err != nil {
			return api.RetryableFailure(fmt.Sprintf("idempotency reserve: %v", err))
		}
		if !reserved {
			return api.RetryableFailure("invocation already in progress")
		}

		res := h.Execute(ctx, req)
		if res.Status == api.ResultRetryableFailure {
			if err := store.Release(ctx, key); err != nil {
				logger.WarnContext(ctx, "idempotency release failed",
					slog.String("idempotency_key", key),
					slog.Any("error", err),
				)
			}
			return res
		}
		if err := store.Save(ctx, key, res); err != nil {
			logger.WarnContext(ctx, "idempotency save failed",
				slog.String("idempotency_key", key),
				slog.Any("error", err),
			)
		}
		return res
	})
}

// MemoryIdempotencyStore keeps keys in process memory. Keys are forgotten
// once their TTL has passed; expired entries are pruned as the map grows.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
	pruneAt int
}

type memoryEntry struct {
	done    bool
	res     api.Result
	expires time.Time
}

const minPruneSize = 1024

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// NewMemoryIdempotencyStore returns a process-local store. ttl defaults to
// DefaultIdempotencyTTL and now to time.Now.
func NewMemoryIdempotencyStore(ttl time.Duration, now func() time.Time) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     now,
		pruneAt: minPruneSize,
	}
}

// live returns the unexpired entry for key. Callers hold s.mu.
func (s *MemoryIdempotencyStore) live(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expires) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// prune drops expired entries. Callers hold s.mu.
func (s *MemoryIdempotencyStore) prune(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	s.pruneAt = max(2*len(s.entries), minPruneSize)
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	if len(s.entries) >= s.pruneAt {
		s.prune(now)
	}
	s.entries[key] = &memoryEntry{expires: now.Add(s.ttl)}
	return true, nil
}

func (s *MemoryIdempotencyStore) Load(_ context.Context, key string) (api.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.now())
	if !ok || !e.done {
		return api.Result{}, false, nil
	}
	return e.res, true, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, res api.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{done: true, res: res, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of keys held, expired or not.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisIdempotencyStore keeps keys in Redis. Reservations use SET NX so
// concurrent workers on different hosts agree on a single winner.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

// NewRedisIdempotencyStore returns a Redis-backed store. prefix defaults to
// "steward:idem:" and ttl to DefaultIdempotencyTTL.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "steward:idem:"
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

const reservedMarker = "reserved"

type redisResult struct {
	Status string `cbor:"status"`
	Detail string `cbor:"detail,omitempty"`
	Output []byte `cbor:"output,omitempty"`
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, reservedMarker, s.ttl).Result()
}

func (s *RedisIdempotencyStore) Load(ctx context.Context, key string) (api.Result, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.Result{}, false, nil
	}
	if err != nil {
		return api.Result{}, false, err
	}
	if string(raw) == reservedMarker {
		return api.Result{}, false, nil
	}
	var rr redisResult
	if err := cbor.Unmarshal(raw, &rr); err != nil {
		return api.Result{}, false, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	out, err := persistence.DecodePayload(rr.Output)
	if err != nil {
		return api.Result{}, false, err
	}
	return api.Result{Status: api.ResultStatus(rr.Status), Detail: rr.Detail, Output: out}, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, res api.Result) error {
	out, err := persistence.EncodePayload(res.Output)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(redisResult{Status: string(res.Status), Detail: res.Detail, Output: out})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
