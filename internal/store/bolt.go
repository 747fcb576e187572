package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/recoveryroom/round-engine/internal/model"
)

const (
	configBucket        = "config"
	roundBucket         = "rounds"
	poolBucket          = "pools"
	participationBucket = "participations"
	// participationIndexBucket maps round|user to the participation key.
	participationIndexBucket = "participation_index"
)

var configKey = []byte("protocol")

// BoltStore implements Store on an embedded bbolt file for single-node
// deployments. Each Atomically call is one bbolt Update transaction.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates a bbolt-backed store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configBucket, roundBucket, poolBucket, participationBucket, participationIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) view(ctx context.Context, fn func(*boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) GetConfig(ctx context.Context) (cfg *model.ProtocolConfig, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		cfg, err = tx.Config(ctx)
		return err
	})
	return cfg, err
}

func (s *BoltStore) GetRound(ctx context.Context, id uint64) (r *model.Round, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		r, err = tx.Round(ctx, id)
		return err
	})
	return r, err
}

func (s *BoltStore) GetPool(ctx context.Context, roundID uint64) (p *model.TokenPool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		p, err = tx.Pool(ctx, roundID)
		return err
	})
	return p, err
}

func (s *BoltStore) GetParticipation(ctx context.Context, roundID uint64, user string) (p *model.Participation, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		p, err = tx.Participation(ctx, roundID, user)
		return err
	})
	return p, err
}

func (s *BoltStore) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	var rounds []model.Round
	err := s.view(ctx, func(tx *boltTx) error {
		c := tx.tx.Bucket([]byte(roundBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r model.Round
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal round: %w", err)
			}
			rounds = append(rounds, r)
			if limit > 0 && len(rounds) == limit {
				break
			}
		}
		return nil
	})
	return rounds, err
}

func (s *BoltStore) ListParticipations(ctx context.Context, roundID uint64) ([]model.Participation, error) {
	var parts []model.Participation
	err := s.view(ctx, func(tx *boltTx) error {
		prefix := u64(roundID)
		c := tx.tx.Bucket([]byte(participationBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p model.Participation
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshal participation: %w", err)
			}
			parts = append(parts, p)
		}
		return nil
	})
	return parts, err
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) get(bucket string, key []byte, out any) (bool, error) {
	payload := t.tx.Bucket([]byte(bucket)).Get(key)
	if payload == nil {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", bucket, err)
	}
	return true, nil
}

func (t *boltTx) put(bucket string, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}
	return t.tx.Bucket([]byte(bucket)).Put(key, payload)
}

func (t *boltTx) Config(_ context.Context) (*model.ProtocolConfig, error) {
	var cfg model.ProtocolConfig
	ok, err := t.get(configBucket, configKey, &cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (t *boltTx) PutConfig(_ context.Context, cfg model.ProtocolConfig) error {
	return t.put(configBucket, configKey, cfg)
}

func (t *boltTx) Round(_ context.Context, id uint64) (*model.Round, error) {
	var r model.Round
	ok, err := t.get(roundBucket, u64(id), &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
	}
	return &r, nil
}

func (t *boltTx) PutRound(_ context.Context, r *model.Round) error {
	return t.put(roundBucket, u64(r.ID), r)
}

func (t *boltTx) Pool(_ context.Context, roundID uint64) (*model.TokenPool, error) {
	var p model.TokenPool
	ok, err := t.get(poolBucket, u64(roundID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: pool for round %d", ErrNotFound, roundID)
	}
	if p.Entries == nil {
		p.Entries = make(map[string]model.TokenPoolEntry)
	}
	if p.Order == nil {
		p.Order = []string{}
	}
	return &p, nil
}

func (t *boltTx) PutPool(_ context.Context, p *model.TokenPool) error {
	return t.put(poolBucket, u64(p.RoundID), p)
}

func (t *boltTx) Participation(_ context.Context, roundID uint64, user string) (*model.Participation, error) {
	key := t.tx.Bucket([]byte(participationIndexBucket)).Get(indexKey(roundID, user))
	if key == nil {
		return nil, fmt.Errorf("%w: participation of %s in round %d", ErrNotFound, user, roundID)
	}
	var p model.Participation
	if _, err := t.get(participationBucket, key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *boltTx) InsertParticipation(_ context.Context, p *model.Participation) error {
	index := t.tx.Bucket([]byte(participationIndexBucket))
	ik := indexKey(p.RoundID, p.User)
	if index.Get(ik) != nil {
		return fmt.Errorf("%w: participation of %s in round %d", ErrDuplicateKey, p.User, p.RoundID)
	}

	bucket := t.tx.Bucket([]byte(participationBucket))
	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("next participation sequence: %w", err)
	}
	key := append(u64(p.RoundID), u64(seq)...)
	if err := t.put(participationBucket, key, p); err != nil {
		return err
	}
	return index.Put(ik, key)
}

// u64 encodes v big-endian so keys sort numerically.
func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func indexKey(roundID uint64, user string) []byte {
	return append(u64(roundID), user...)
}
