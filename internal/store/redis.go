package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recoveryroom/round-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after
// commit; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	var touched []string
	err := s.primary.Atomically(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&invalidatingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// invalidatingTx records the cache keys of every record it writes.
type invalidatingTx struct {
	Tx
	touched *[]string
}

func (t *invalidatingTx) PutConfig(ctx context.Context, cfg model.ProtocolConfig) error {
	if err := t.Tx.PutConfig(ctx, cfg); err != nil {
		return err
	}
	*t.touched = append(*t.touched, configCacheKey)
	return nil
}

func (t *invalidatingTx) PutRound(ctx context.Context, r *model.Round) error {
	if err := t.Tx.PutRound(ctx, r); err != nil {
		return err
	}
	*t.touched = append(*t.touched, roundKey(r.ID))
	return nil
}

func (t *invalidatingTx) PutPool(ctx context.Context, p *model.TokenPool) error {
	if err := t.Tx.PutPool(ctx, p); err != nil {
		return err
	}
	*t.touched = append(*t.touched, poolKey(p.RoundID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetConfig(ctx context.Context) (*model.ProtocolConfig, error) {
	var cfg model.ProtocolConfig
	if s.fromCache(ctx, configCacheKey, &cfg) {
		return &cfg, nil
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, configCacheKey, c)
	return c, nil
}

func (s *CachedStore) GetRound(ctx context.Context, id uint64) (*model.Round, error) {
	var r model.Round
	if s.fromCache(ctx, roundKey(id), &r) {
		return &r, nil
	}

	round, err := s.primary.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, roundKey(id), round)
	return round, nil
}

func (s *CachedStore) GetPool(ctx context.Context, roundID uint64) (*model.TokenPool, error) {
	var p model.TokenPool
	if s.fromCache(ctx, poolKey(roundID), &p) && p.Entries != nil {
		return &p, nil
	}

	pool, err := s.primary.GetPool(ctx, roundID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(roundID), pool)
	return pool, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetParticipation(ctx context.Context, roundID uint64, user string) (*model.Participation, error) {
	return s.primary.GetParticipation(ctx, roundID, user)
}

func (s *CachedStore) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	return s.primary.ListRounds(ctx, limit)
}

func (s *CachedStore) ListParticipations(ctx context.Context, roundID uint64) ([]model.Participation, error) {
	return s.primary.ListParticipations(ctx, roundID)
}

// --- Cache helpers ---

func (s *CachedStore) fromCache(ctx context.Context, key string, out any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const configCacheKey = "rr:protocol"

func roundKey(id uint64) string     { return fmt.Sprintf("rr:round:%d", id) }
func poolKey(roundID uint64) string { return fmt.Sprintf("rr:pool:%d", roundID) }
