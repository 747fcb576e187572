// Package events defines the notifications emitted after each committed
// lifecycle transition and the sinks that carry them.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/selector"
)

// Type names an event. NATS subjects are derived from it.
type Type string

const (
	TypeRoundOpened         Type = "round.opened"
	TypeUserParticipated    Type = "user.participated"
	TypeRandomnessRequested Type = "randomness.requested"
	TypeRoundCompleted      Type = "round.completed"
)

// Event is the envelope published to every sink.
type Event struct {
	Type      Type      `json:"type"`
	RoundID   uint64    `json:"round_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RoundOpened is the payload of TypeRoundOpened.
type RoundOpened struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Address   string    `json:"address"`
}

// UserParticipated is the payload of TypeUserParticipated.
type UserParticipated struct {
	User       string `json:"user"`
	TokenCount int    `json:"token_count"`
}

// RandomnessRequested is the payload of TypeRandomnessRequested.
type RandomnessRequested struct {
	RequestID string `json:"request_id"`
}

// RoundCompleted is the payload of TypeRoundCompleted. Draw carries the full
// weighting so that observers can recompute the result.
type RoundCompleted struct {
	Winner            string           `json:"winner"`
	Randomness        model.Randomness `json:"randomness"`
	TotalParticipants uint32           `json:"total_participants"`
	TotalEntries      uint32           `json:"total_entries"`
	Draw              *selector.Draw   `json:"draw"`
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every publisher. A failing sink is logged and
// does not stop the others; events are best effort once state is committed.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			slog.Warn("event sink failed", "type", ev.Type, "round_id", ev.RoundID, "err", err)
		}
	}
	return nil
}

// Log writes every event to the default slog logger.
type Log struct{}

func (Log) Publish(_ context.Context, ev Event) error {
	slog.Info("event", "type", ev.Type, "round_id", ev.RoundID)
	return nil
}
