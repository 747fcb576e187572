package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/recoveryroom/round-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	config *model.ProtocolConfig
	rounds map[uint64]*model.Round
	pools  map[uint64]*model.TokenPool
	// participations keeps each round's records in submission order.
	participations map[uint64][]*model.Participation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:         make(map[uint64]*model.Round),
		pools:          make(map[uint64]*model.TokenPool),
		participations: make(map[uint64][]*model.Participation),
	}
}

// Atomically stages every write in a private copy and applies them only if fn
// succeeds. Transactions are serialized.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:      s,
		rounds: make(map[uint64]*model.Round),
		pools:  make(map[uint64]*model.TokenPool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx.config != nil {
		cfg := *tx.config
		s.config = &cfg
	}
	for id, r := range tx.rounds {
		s.rounds[id] = r
	}
	for id, p := range tx.pools {
		s.pools[id] = p
	}
	for _, p := range tx.inserted {
		s.participations[p.RoundID] = append(s.participations[p.RoundID], p)
	}
	return nil
}

func (s *MemoryStore) GetConfig(_ context.Context) (*model.ProtocolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, ErrNotFound
	}
	cfg := *s.config
	return &cfg, nil
}

func (s *MemoryStore) GetRound(_ context.Context, id uint64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetPool(_ context.Context, roundID uint64) (*model.TokenPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: pool for round %d", ErrNotFound, roundID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetParticipation(_ context.Context, roundID uint64, user string) (*model.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.findParticipation(roundID, user); p != nil {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("%w: participation of %s in round %d", ErrNotFound, user, roundID)
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.rounds))
	for id := range s.rounds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	rounds := make([]model.Round, 0, len(ids))
	for _, id := range ids {
		rounds = append(rounds, *s.rounds[id].Clone())
	}
	return rounds, nil
}

func (s *MemoryStore) ListParticipations(_ context.Context, roundID uint64) ([]model.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := s.participations[roundID]
	out := make([]model.Participation, 0, len(parts))
	for _, p := range parts {
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (s *MemoryStore) findParticipation(roundID uint64, user string) *model.Participation {
	for _, p := range s.participations[roundID] {
		if p.User == user {
			return p
		}
	}
	return nil
}

// memoryTx reads through its staged writes to the committed maps. The
// store's write lock is held for its whole lifetime.
type memoryTx struct {
	s        *MemoryStore
	config   *model.ProtocolConfig
	rounds   map[uint64]*model.Round
	pools    map[uint64]*model.TokenPool
	inserted []*model.Participation
}

func (tx *memoryTx) Config(_ context.Context) (*model.ProtocolConfig, error) {
	src := tx.config
	if src == nil {
		src = tx.s.config
	}
	if src == nil {
		return nil, ErrNotFound
	}
	cfg := *src
	return &cfg, nil
}

func (tx *memoryTx) PutConfig(_ context.Context, cfg model.ProtocolConfig) error {
	tx.config = &cfg
	return nil
}

func (tx *memoryTx) Round(_ context.Context, id uint64) (*model.Round, error) {
	if r, ok := tx.rounds[id]; ok {
		return r.Clone(), nil
	}
	if r, ok := tx.s.rounds[id]; ok {
		return r.Clone(), nil
	}
	return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
}

func (tx *memoryTx) PutRound(_ context.Context, r *model.Round) error {
	tx.rounds[r.ID] = r.Clone()
	return nil
}

func (tx *memoryTx) Pool(_ context.Context, roundID uint64) (*model.TokenPool, error) {
	if p, ok := tx.pools[roundID]; ok {
		return p.Clone(), nil
	}
	if p, ok := tx.s.pools[roundID]; ok {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("%w: pool for round %d", ErrNotFound, roundID)
}

func (tx *memoryTx) PutPool(_ context.Context, p *model.TokenPool) error {
	tx.pools[p.RoundID] = p.Clone()
	return nil
}

func (tx *memoryTx) Participation(_ context.Context, roundID uint64, user string) (*model.Participation, error) {
	for _, p := range tx.inserted {
		if p.RoundID == roundID && p.User == user {
			return p.Clone(), nil
		}
	}
	if p := tx.s.findParticipation(roundID, user); p != nil {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("%w: participation of %s in round %d", ErrNotFound, user, roundID)
}

func (tx *memoryTx) InsertParticipation(ctx context.Context, p *model.Participation) error {
	if _, err := tx.Participation(ctx, p.RoundID, p.User); err == nil {
		return fmt.Errorf("%w: participation of %s in round %d", ErrDuplicateKey, p.User, p.RoundID)
	}
	tx.inserted = append(tx.inserted, p.Clone())
	return nil
}
