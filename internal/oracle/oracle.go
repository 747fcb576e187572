// Package oracle adapts external randomness sources to the round engine.
//
// A Requester is asked once per round, after the round has been moved to
// RandomnessRequested. The value arrives later, out of band, through a
// Deliverer. No retries happen here: a lost request leaves the round waiting
// until an operator re-delivers.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/recoveryroom/round-engine/internal/model"
)

// ErrOracleRequest is returned when a randomness request could not be
// issued. The round stays in RandomnessRequested.
var ErrOracleRequest = errors.New("oracle: randomness request failed")

// Request identifies the randomness a round is waiting for.
type Request struct {
	RoundID     uint64    `json:"round_id"`
	RequestID   string    `json:"request_id"`
	Seed        string    `json:"seed"` // round address
	RequestedAt time.Time `json:"requested_at"`
}

// Requester issues randomness requests to an oracle network.
type Requester interface {
	Request(ctx context.Context, req Request) error
}

// Deliverer accepts a fulfilled value. The round service implements it.
type Deliverer interface {
	Deliver(ctx context.Context, roundID uint64, requestID string, value model.Randomness) error
}

// Fulfilment is the wire form of a delivered value.
type Fulfilment struct {
	RoundID   uint64           `json:"round_id"`
	RequestID string           `json:"request_id"`
	Value     model.Randomness `json:"value"`
}

// Manual records requests and leaves delivery to an operator or an external
// callback hitting the HTTP API.
type Manual struct{}

func (Manual) Request(context.Context, Request) error { return nil }
