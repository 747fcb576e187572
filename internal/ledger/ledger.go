// Package ledger records participations and token registrations for an
// active round.
//
// Like package round, the ledger is pure: it validates against the records it
// is handed and returns updated copies, leaving the inputs untouched when it
// fails. The caller persists all returned records in one transaction.
package ledger

import (
	"fmt"
	"time"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/round"
)

// Field limits of the persisted token records.
const (
	MaxTickerLen = 28
	MaxColorLen  = 16
)

// Ledger applies participation rules for one deployment.
type Ledger struct {
	program address.Program
	policy  model.UnknownTokenPolicy
}

// New returns a ledger. An empty policy means strict.
func New(program address.Program, policy model.UnknownTokenPolicy) *Ledger {
	if policy == "" {
		policy = model.PolicyStrict
	}
	return &Ledger{program: program, policy: policy}
}

// Policy returns the unknown-token policy in effect.
func (l *Ledger) Policy() model.UnknownTokenPolicy {
	return l.policy
}

// Registration is a token to add to a round's pool.
type Registration struct {
	TokenID string `json:"token_id"`
	Ticker  string `json:"ticker"`
	Color   string `json:"color"`
}

// RegisterToken adds a token with a zero submission count. Registering the
// same token twice in a round fails with round.ErrDuplicateToken.
func (l *Ledger) RegisterToken(r *model.Round, pool *model.TokenPool, reg Registration, now time.Time) (*model.TokenPool, error) {
	if err := checkOpen(r, now); err != nil {
		return nil, err
	}
	if pool.RoundID != r.ID {
		return nil, fmt.Errorf("%w: pool belongs to round %d", round.ErrInvalidState, pool.RoundID)
	}
	if err := address.Validate(reg.TokenID); err != nil {
		return nil, fmt.Errorf("%w: %v", round.ErrInvalidToken, err)
	}
	if len(reg.Ticker) == 0 || len(reg.Ticker) > MaxTickerLen {
		return nil, fmt.Errorf("%w: ticker must be 1..%d bytes", round.ErrInvalidToken, MaxTickerLen)
	}
	if len(reg.Color) > MaxColorLen {
		return nil, fmt.Errorf("%w: color exceeds %d bytes", round.ErrInvalidToken, MaxColorLen)
	}
	if _, ok := pool.Lookup(reg.TokenID); ok {
		return nil, fmt.Errorf("%w: %s", round.ErrDuplicateToken, reg.TokenID)
	}

	next := pool.Clone()
	next.Entries[reg.TokenID] = model.TokenPoolEntry{
		TokenID:      reg.TokenID,
		Ticker:       reg.Ticker,
		Color:        reg.Color,
		RegisteredAt: now.UTC(),
	}
	next.Order = append(next.Order, reg.TokenID)
	return next, nil
}

// Result holds the records produced by a successful submission.
type Result struct {
	Round         *model.Round
	Pool          *model.TokenPool
	Participation *model.Participation
	// Unweighted lists entries recorded without a pool entry (lenient only).
	Unweighted []string
}

// SubmitEntries records user's single participation in r. existing is the
// user's stored participation for this round, or nil.
//
// Checks run in order: round active, window open, entry count within
// 1..MaxEntriesPerUser, no prior participation, well-formed tokens, then the
// unknown-token policy.
//
// A submission may name each token at most once. Listing the same token
// twice fails with round.ErrInvalidToken instead of counting it twice, so
// one user cannot add more than one submission to a token's weight.
func (l *Ledger) SubmitEntries(cfg model.ProtocolConfig, r *model.Round, pool *model.TokenPool, existing *model.Participation, user string, entries []model.TokenEntry, now time.Time) (*Result, error) {
	if err := checkOpen(r, now); err != nil {
		return nil, err
	}
	if n := len(entries); n == 0 || n > int(cfg.MaxEntriesPerUser) {
		return nil, fmt.Errorf("%w: got %d, allowed 1..%d", round.ErrInvalidEntryCount, n, cfg.MaxEntriesPerUser)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s in round %d", round.ErrAlreadyParticipated, user, r.ID)
	}
	if pool.RoundID != r.ID {
		return nil, fmt.Errorf("%w: pool belongs to round %d", round.ErrInvalidState, pool.RoundID)
	}

	participationAddr, err := address.Participation(l.program, r.Address, user)
	if err != nil {
		return nil, fmt.Errorf("%w: user: %v", round.ErrInvalidToken, err)
	}

	seen := make(map[string]struct{}, len(entries))
	var unknown []string
	for _, e := range entries {
		if err := address.Validate(e.TokenID); err != nil {
			return nil, fmt.Errorf("%w: %v", round.ErrInvalidToken, err)
		}
		if len(e.Ticker) > MaxTickerLen {
			return nil, fmt.Errorf("%w: ticker exceeds %d bytes", round.ErrInvalidToken, MaxTickerLen)
		}
		if _, dup := seen[e.TokenID]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", round.ErrInvalidToken, e.TokenID)
		}
		seen[e.TokenID] = struct{}{}

		if _, ok := pool.Lookup(e.TokenID); !ok {
			if l.policy == model.PolicyStrict {
				return nil, fmt.Errorf("%w: %s", round.ErrUnknownToken, e.TokenID)
			}
			unknown = append(unknown, e.TokenID)
		}
	}

	nextPool := pool.Clone()
	for _, e := range entries {
		pe, ok := nextPool.Entries[e.TokenID]
		if !ok {
			continue
		}
		pe.SubmissionCount++
		nextPool.Entries[e.TokenID] = pe
	}

	nextRound := r.Clone()
	nextRound.TotalParticipants++
	nextRound.TotalEntries += uint32(len(entries))
	nextRound.UnweightedEntries += uint32(len(unknown))

	p := &model.Participation{
		Address:   participationAddr,
		User:      user,
		RoundID:   r.ID,
		Entries:   append([]model.TokenEntry(nil), entries...),
		Timestamp: now.UTC(),
	}

	return &Result{Round: nextRound, Pool: nextPool, Participation: p, Unweighted: unknown}, nil
}

func checkOpen(r *model.Round, now time.Time) error {
	if r.Status != model.StatusActive || now.Before(r.StartTime) {
		return fmt.Errorf("%w: round %d is %s", round.ErrRoundNotActive, r.ID, r.Status)
	}
	if !now.Before(r.EndTime) {
		return fmt.Errorf("%w: ended at %s", round.ErrRoundEnded, r.EndTime.Format(time.RFC3339))
	}
	return nil
}
