package lottery

import (
	"errors"
	"net/http"

	"github.com/recoveryroom/round-engine/internal/oracle"
	"github.com/recoveryroom/round-engine/internal/round"
	"github.com/recoveryroom/round-engine/internal/store"
)

// outcomes maps each sentinel to an HTTP status and a metrics label. Order
// matters: the first match wins, so wrapped pairs list the more specific
// sentinel first.
var outcomes = []struct {
	err    error
	status int
	reason string
}{
	{round.ErrRoundNotActive, http.StatusConflict, "round_not_active"},
	{round.ErrRoundEnded, http.StatusConflict, "round_ended"},
	{round.ErrRoundNotEnded, http.StatusConflict, "round_not_ended"},
	{round.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{round.ErrPreviousRoundIncomplete, http.StatusConflict, "previous_round_incomplete"},
	{round.ErrAlreadyParticipated, http.StatusConflict, "already_participated"},
	{round.ErrDuplicateToken, http.StatusConflict, "duplicate_token"},
	{round.ErrNoParticipants, http.StatusConflict, "no_participants"},
	{round.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
	{round.ErrNotInitialized, http.StatusConflict, "not_initialized"},
	{round.ErrUnknownRequest, http.StatusConflict, "unknown_request"},
	{round.ErrInvalidEntryCount, http.StatusBadRequest, "invalid_entry_count"},
	{round.ErrUnknownToken, http.StatusBadRequest, "unknown_token"},
	{round.ErrInvalidToken, http.StatusBadRequest, "invalid_token"},
	{round.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
	{round.ErrRandomnessNotResolved, http.StatusBadRequest, "randomness_not_resolved"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{oracle.ErrBadBeacon, http.StatusBadRequest, "bad_beacon"},
	{oracle.ErrOracleRequest, http.StatusBadGateway, "oracle_request"},
}

// StatusFor returns the HTTP status for err. Unrecognized errors are 500.
func StatusFor(err error) int {
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.status
		}
	}
	return http.StatusInternalServerError
}

// Reason returns a short label naming the rule err violated.
func Reason(err error) string {
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.reason
		}
	}
	return "internal"
}
