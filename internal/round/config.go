package round

import (
	"fmt"
	"time"

	"github.com/recoveryroom/round-engine/internal/address"
	"github.com/recoveryroom/round-engine/internal/model"
)

// Initialize validates the protocol settings and returns a fresh config with
// both counters at zero. Whether a config already exists is the caller's
// concern; see ErrAlreadyInitialized.
func Initialize(authority string, roundDuration time.Duration, minLossPercentage, maxEntriesPerUser uint8, now time.Time) (model.ProtocolConfig, error) {
	if err := address.Validate(authority); err != nil {
		return model.ProtocolConfig{}, fmt.Errorf("%w: authority: %v", ErrInvalidConfig, err)
	}
	if roundDuration <= 0 {
		return model.ProtocolConfig{}, fmt.Errorf("%w: round duration must be positive, got %s", ErrInvalidConfig, roundDuration)
	}
	if minLossPercentage > 100 {
		return model.ProtocolConfig{}, fmt.Errorf("%w: min loss percentage %d exceeds 100", ErrInvalidConfig, minLossPercentage)
	}
	if maxEntriesPerUser < 1 {
		return model.ProtocolConfig{}, fmt.Errorf("%w: max entries per user must be at least 1", ErrInvalidConfig)
	}

	return model.ProtocolConfig{
		Authority:            authority,
		RoundDuration:        roundDuration,
		MinLossPercentage:    minLossPercentage,
		MaxEntriesPerUser:    maxEntriesPerUser,
		CurrentRoundID:       0,
		TotalRoundsCompleted: 0,
		InitializedAt:        now.UTC(),
	}, nil
}
