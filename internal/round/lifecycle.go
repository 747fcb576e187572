// Package round implements the round state machine:
//
//	Active -> RandomnessRequested -> Complete
//
// Transitions never go backwards or skip a state. Every function here is pure:
// it takes the current records, validates preconditions against them and
// returns updated copies. Persisting the copies atomically is the caller's
// job, as is reading the clock once per operation.
package round

import (
	"errors"
	"fmt"
	"time"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/selector"
)

// Open allocates the round after prev. prev is nil only before the first
// round. The returned config carries the advanced round id.
func Open(cfg model.ProtocolConfig, prev *model.Round, program address.Program, now time.Time) (model.ProtocolConfig, *model.Round, *model.TokenPool, error) {
	if cfg.RoundDuration <= 0 {
		return cfg, nil, nil, ErrNotInitialized
	}
	switch {
	case prev == nil && cfg.CurrentRoundID != 0:
		return cfg, nil, nil, fmt.Errorf("%w: round %d missing", ErrPreviousRoundIncomplete, cfg.CurrentRoundID)
	case prev != nil && prev.ID != cfg.CurrentRoundID:
		return cfg, nil, nil, fmt.Errorf("%w: round %d is not the current round %d", ErrInvalidState, prev.ID, cfg.CurrentRoundID)
	case prev != nil && prev.Status != model.StatusComplete:
		return cfg, nil, nil, fmt.Errorf("%w: round %d is %s", ErrPreviousRoundIncomplete, prev.ID, prev.Status)
	}

	id := cfg.CurrentRoundID + 1
	roundAddr, err := address.Round(program, id)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("derive round address: %w", err)
	}
	poolAddr, err := address.Pool(program, roundAddr)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("derive pool address: %w", err)
	}

	start := now.UTC()
	r := &model.Round{
		ID:        id,
		Address:   roundAddr,
		StartTime: start,
		EndTime:   start.Add(cfg.RoundDuration),
		Status:    model.StatusActive,
	}

	cfg.CurrentRoundID = id
	return cfg, r, model.NewTokenPool(id, poolAddr), nil
}

// CloseForRandomness moves an ended round to RandomnessRequested and records
// the oracle request handle. Issuing the request itself happens after the
// new state is persisted.
func CloseForRandomness(r *model.Round, requestID string, now time.Time) (*model.Round, error) {
	if now.Before(r.EndTime) {
		return nil, fmt.Errorf("%w: ends at %s", ErrRoundNotEnded, r.EndTime.Format(time.RFC3339))
	}
	if r.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: round %d is %s", ErrInvalidState, r.ID, r.Status)
	}
	if r.TotalEntries == 0 {
		return nil, ErrNoParticipants
	}
	if requestID == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrUnknownRequest)
	}

	next := r.Clone()
	next.Status = model.StatusRandomnessRequested
	next.Request = &model.RandomnessRequest{
		RequestID:   requestID,
		RequestedAt: now.UTC(),
	}
	return next, nil
}

// Resolve consumes the oracle's value, selects the winner from pool and
// completes the round. A second call on a completed round fails with
// ErrInvalidState and changes nothing.
func Resolve(cfg model.ProtocolConfig, r *model.Round, pool *model.TokenPool, value model.Randomness, now time.Time) (model.ProtocolConfig, *model.Round, *selector.Draw, error) {
	if r.Status != model.StatusRandomnessRequested {
		return cfg, nil, nil, fmt.Errorf("%w: round %d is %s", ErrInvalidState, r.ID, r.Status)
	}
	if value.IsZero() {
		return cfg, nil, nil, ErrRandomnessNotResolved
	}
	if pool == nil || pool.RoundID != r.ID {
		return cfg, nil, nil, fmt.Errorf("%w: pool does not belong to round %d", ErrInvalidState, r.ID)
	}

	draw, err := selector.Select(Candidates(pool), value)
	if errors.Is(err, selector.ErrNoParticipants) {
		return cfg, nil, nil, fmt.Errorf("%w: %w", ErrNoParticipants, err)
	}
	if err != nil {
		return cfg, nil, nil, err
	}

	next := r.Clone()
	next.Status = model.StatusComplete
	next.Outcome = &model.Outcome{
		Randomness: value,
		Winner:     draw.Winner,
		ResolvedAt: now.UTC(),
	}

	cfg.TotalRoundsCompleted++
	return cfg, next, draw, nil
}

// Candidates lists pool entries in canonical order for the selector.
func Candidates(pool *model.TokenPool) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(pool.Order))
	for _, e := range pool.Ordered() {
		out = append(out, selector.Candidate{TokenID: e.TokenID, SubmissionCount: e.SubmissionCount})
	}
	return out
}
