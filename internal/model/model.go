// Package model defines the core domain types shared across the round engine.
// Loss amounts are integer USD cents; views convert them with shopspring/decimal,
// never float64.
package model

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a round.
type Status string

const (
	StatusActive              Status = "active"
	StatusRandomnessRequested Status = "randomness_requested"
	StatusComplete            Status = "complete"
)

// UnknownTokenPolicy decides what happens to an entry whose token was never
// registered in the round's pool.
type UnknownTokenPolicy string

const (
	// PolicyStrict rejects the whole submission.
	PolicyStrict UnknownTokenPolicy = "strict"
	// PolicyLenient records the entry but leaves it out of the weighting.
	PolicyLenient UnknownTokenPolicy = "lenient"
)

// Randomness is a 32-byte value delivered by the randomness oracle.
// The all-zero value is reserved: it means "not yet produced".
type Randomness [32]byte

// IsZero reports whether r is the reserved not-yet-resolved sentinel.
func (r Randomness) IsZero() bool {
	return r == Randomness{}
}

func (r Randomness) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalText encodes the value as lowercase hex.
func (r Randomness) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a 64-character hex string.
func (r *Randomness) UnmarshalText(text []byte) error {
	parsed, err := ParseRandomness(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRandomness decodes a 64-character hex string into a Randomness.
func ParseRandomness(s string) (Randomness, error) {
	var r Randomness
	raw, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("decode randomness: %w", err)
	}
	if len(raw) != len(r) {
		return r, fmt.Errorf("randomness must be %d bytes, got %d", len(r), len(raw))
	}
	copy(r[:], raw)
	return r, nil
}

// ProtocolConfig is the durable cross-round configuration. It is created once
// by an administrative action and read by every lifecycle operation.
type ProtocolConfig struct {
	Authority            string        `json:"authority"`
	RoundDuration        time.Duration `json:"round_duration"`
	MinLossPercentage    uint8         `json:"min_loss_percentage"`
	MaxEntriesPerUser    uint8         `json:"max_entries_per_user"`
	CurrentRoundID       uint64        `json:"current_round_id"`
	TotalRoundsCompleted uint64        `json:"total_rounds_completed"`
	InitializedAt        time.Time     `json:"initialized_at"`
}

// RandomnessRequest is the oracle request handle recorded when a round closes.
type RandomnessRequest struct {
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Outcome is the immutable result of a resolved round.
type Outcome struct {
	Randomness Randomness `json:"randomness"`
	Winner     string     `json:"winner"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// Round is one lottery cycle. Request is set from RandomnessRequested onward;
// Outcome is set only once the round is Complete and never changes afterwards.
type Round struct {
	ID                uint64             `json:"round_id"`
	Address           string             `json:"address"`
	StartTime         time.Time          `json:"start_time"`
	EndTime           time.Time          `json:"end_time"`
	Status            Status             `json:"status"`
	TotalParticipants uint32             `json:"total_participants"`
	TotalEntries      uint32             `json:"total_entries"`
	UnweightedEntries uint32             `json:"unweighted_entries"`
	Request           *RandomnessRequest `json:"request,omitempty"`
	Outcome           *Outcome           `json:"outcome,omitempty"`
}

// OpenAt reports whether the participation window [start, end) contains now.
func (r *Round) OpenAt(now time.Time) bool {
	return r.Status == StatusActive && !now.Before(r.StartTime) && now.Before(r.EndTime)
}

// Winner returns the winning token identifier once the round is complete.
func (r *Round) Winner() (string, bool) {
	if r.Status != StatusComplete || r.Outcome == nil {
		return "", false
	}
	return r.Outcome.Winner, true
}

// Randomness returns the delivered randomness once the round is complete.
func (r *Round) Randomness() (Randomness, bool) {
	if r.Status != StatusComplete || r.Outcome == nil {
		return Randomness{}, false
	}
	return r.Outcome.Randomness, true
}

// Clone returns a deep copy of r.
func (r *Round) Clone() *Round {
	c := *r
	if r.Request != nil {
		req := *r.Request
		c.Request = &req
	}
	if r.Outcome != nil {
		out := *r.Outcome
		c.Outcome = &out
	}
	return &c
}

// TokenEntry is a user-submitted reference to a token plus its loss metadata.
type TokenEntry struct {
	TokenID         string `json:"token_id"`
	Ticker          string `json:"ticker"`
	LossAmountCents uint64 `json:"loss_amount_cents"` // e.g. 44076 = $440.76
	Holdings        uint64 `json:"holdings"`
}

// LossUSD returns the loss amount in dollars.
func (e TokenEntry) LossUSD() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(e.LossAmountCents), -2)
}

// Participation is the single record of a user's entries in one round.
type Participation struct {
	Address   string       `json:"address"`
	User      string       `json:"user"`
	RoundID   uint64       `json:"round_id"`
	Entries   []TokenEntry `json:"entries"`
	Timestamp time.Time    `json:"timestamp"`
}

// TokenPoolEntry aggregates submissions for one token in one round.
type TokenPoolEntry struct {
	TokenID         string    `json:"token_id"`
	Ticker          string    `json:"ticker"`
	SubmissionCount uint32    `json:"submission_count"`
	Color           string    `json:"color"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// TokenPool holds the distinct tokens of a round. Entries is keyed by token
// identifier; Order lists the same keys in registration order, which is the
// canonical iteration order for winner selection.
type TokenPool struct {
	RoundID uint64                    `json:"round_id"`
	Address string                    `json:"address"`
	Order   []string                  `json:"order"`
	Entries map[string]TokenPoolEntry `json:"entries"`
}

// NewTokenPool returns an empty pool for the given round.
func NewTokenPool(roundID uint64, address string) *TokenPool {
	return &TokenPool{
		RoundID: roundID,
		Address: address,
		Order:   []string{},
		Entries: make(map[string]TokenPoolEntry),
	}
}

// Lookup returns the entry registered under tokenID.
func (p *TokenPool) Lookup(tokenID string) (TokenPoolEntry, bool) {
	e, ok := p.Entries[tokenID]
	return e, ok
}

// Ordered returns the entries in canonical order.
func (p *TokenPool) Ordered() []TokenPoolEntry {
	out := make([]TokenPoolEntry, 0, len(p.Order))
	for _, id := range p.Order {
		out = append(out, p.Entries[id])
	}
	return out
}

// TotalSubmissions sums submission counts over the pool.
func (p *TokenPool) TotalSubmissions() uint64 {
	var total uint64
	for _, e := range p.Entries {
		total += uint64(e.SubmissionCount)
	}
	return total
}

// Clone returns a deep copy of p.
func (p *TokenPool) Clone() *TokenPool {
	c := &TokenPool{
		RoundID: p.RoundID,
		Address: p.Address,
		Order:   append(make([]string, 0, len(p.Order)), p.Order...),
		Entries: make(map[string]TokenPoolEntry, len(p.Entries)),
	}
	for k, v := range p.Entries {
		c.Entries[k] = v
	}
	return c
}

// Clone returns a deep copy of p.
func (p *Participation) Clone() *Participation {
	c := *p
	c.Entries = append([]TokenEntry(nil), p.Entries...)
	return &c
}
