// Package crank advances the round lifecycle on a schedule: it opens the next
// round once the previous one is complete and closes an active round once its
// window has ended. It never resolves rounds; that waits for the oracle.
package crank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/round"
)

// Action reports what a single Advance did.
type Action string

const (
	ActionNone               Action = "none"                // round still open
	ActionNotInitialized     Action = "not_initialized"     // protocol config missing
	ActionOpened             Action = "opened"              // next round opened
	ActionClosed             Action = "closed"              // randomness requested
	ActionAwaitingRandomness Action = "awaiting_randomness" // oracle has not delivered
	ActionStalled            Action = "stalled"             // ended with no entries
)

// Rounds is the slice of the round service the crank drives.
type Rounds interface {
	Config(ctx context.Context) (*model.ProtocolConfig, error)
	CurrentRound(ctx context.Context) (*model.Round, error)
	OpenRound(ctx context.Context) (*model.Round, error)
	CloseRound(ctx context.Context, roundID uint64) (*model.Round, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Crank decides and performs the next lifecycle step.
type Crank struct {
	rounds Rounds
	clock  Clock
}

// New returns a crank over rounds.
func New(rounds Rounds, clock Clock) *Crank {
	return &Crank{rounds: rounds, clock: clock}
}

// Advance performs at most one transition. Preconditions are re-checked by
// the service, so racing another crank is harmless: the loser gets a
// lifecycle error and nothing changes.
func (c *Crank) Advance(ctx context.Context) (Action, error) {
	cfg, err := c.rounds.Config(ctx)
	if errors.Is(err, round.ErrNotInitialized) {
		return ActionNotInitialized, nil
	}
	if err != nil {
		return ActionNone, fmt.Errorf("read config: %w", err)
	}

	if cfg.CurrentRoundID == 0 {
		return c.open(ctx)
	}

	current, err := c.rounds.CurrentRound(ctx)
	if err != nil {
		return ActionNone, fmt.Errorf("read round %d: %w", cfg.CurrentRoundID, err)
	}

	switch current.Status {
	case model.StatusComplete:
		return c.open(ctx)
	case model.StatusRandomnessRequested:
		return ActionAwaitingRandomness, nil
	}

	if c.clock.Now().Before(current.EndTime) {
		return ActionNone, nil
	}
	if current.TotalEntries == 0 {
		slog.Warn("round ended without entries", "round_id", current.ID, "end_time", current.EndTime)
		return ActionStalled, nil
	}

	if _, err := c.rounds.CloseRound(ctx, current.ID); err != nil {
		if errors.Is(err, oracle.ErrOracleRequest) {
			// The round is closed; delivery now depends on an operator.
			return ActionClosed, err
		}
		return ActionNone, fmt.Errorf("close round %d: %w", current.ID, err)
	}
	return ActionClosed, nil
}

func (c *Crank) open(ctx context.Context) (Action, error) {
	if _, err := c.rounds.OpenRound(ctx); err != nil {
		return ActionNone, fmt.Errorf("open round: %w", err)
	}
	return ActionOpened, nil
}

// Run calls Advance every interval until ctx is done. Errors are logged.
func (c *Crank) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Crank) tick(ctx context.Context) {
	action, err := c.Advance(ctx)
	if err != nil {
		slog.Error("crank advance failed", "action", action, "err", err)
		return
	}
	if action != ActionNone {
		slog.Info("crank advanced", "action", action)
	}
}
