// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth), bbolt (single-node
// embedded), Redis (read-through cache over another store), and in-memory
// (for testing).
package store

import (
	"context"

	"github.com/recoveryroom/round-engine/internal/model"
)

// Store is the persistence interface. Every state change goes through
// Atomically so that all records an operation touches are committed together
// or not at all.
type Store interface {
	// Atomically runs fn in a transaction. If fn returns an error nothing it
	// wrote is visible afterwards.
	Atomically(ctx context.Context, fn func(Tx) error) error

	// --- Read queries (outside any transaction) ---

	// GetConfig returns the protocol config, or ErrNotFound before
	// initialization.
	GetConfig(ctx context.Context) (*model.ProtocolConfig, error)

	// GetRound retrieves a round by id.
	GetRound(ctx context.Context, id uint64) (*model.Round, error)

	// GetPool retrieves the token pool of a round.
	GetPool(ctx context.Context, roundID uint64) (*model.TokenPool, error)

	// GetParticipation retrieves a user's participation in a round.
	GetParticipation(ctx context.Context, roundID uint64, user string) (*model.Participation, error)

	// ListRounds returns rounds newest first. limit <= 0 means all.
	ListRounds(ctx context.Context, limit int) ([]model.Round, error)

	// ListParticipations returns all participations of a round in
	// submission order.
	ListParticipations(ctx context.Context, roundID uint64) ([]model.Participation, error)
}

// Tx is the view of the store inside Atomically. Reads observe the
// transaction's own writes.
type Tx interface {
	Config(ctx context.Context) (*model.ProtocolConfig, error)
	PutConfig(ctx context.Context, cfg model.ProtocolConfig) error

	Round(ctx context.Context, id uint64) (*model.Round, error)
	PutRound(ctx context.Context, r *model.Round) error

	Pool(ctx context.Context, roundID uint64) (*model.TokenPool, error)
	PutPool(ctx context.Context, p *model.TokenPool) error

	Participation(ctx context.Context, roundID uint64, user string) (*model.Participation, error)
	// InsertParticipation fails with ErrDuplicateKey if the user already
	// has a record in the round.
	InsertParticipation(ctx context.Context, p *model.Participation) error
}
