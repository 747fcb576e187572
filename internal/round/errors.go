package round

import "errors"

// Lifecycle and ledger errors. Every operation that returns one of these
// leaves the records it was given unchanged.
var (
	ErrRoundNotActive          = errors.New("round: round is not active")
	ErrInvalidState            = errors.New("round: invalid round status for this operation")
	ErrPreviousRoundIncomplete = errors.New("round: previous round is not complete")
	ErrRoundEnded              = errors.New("round: participation window has ended")
	ErrRoundNotEnded           = errors.New("round: round has not ended yet")
	ErrInvalidEntryCount       = errors.New("round: invalid number of entries")
	ErrDuplicateToken          = errors.New("round: token already registered in this round")
	ErrRandomnessNotResolved   = errors.New("round: randomness not resolved")
	ErrNoParticipants          = errors.New("round: no participants")
	ErrAlreadyParticipated     = errors.New("round: user already participated in this round")
	ErrUnknownToken            = errors.New("round: token not registered in this round")
	ErrInvalidToken            = errors.New("round: invalid token")
	ErrAlreadyInitialized      = errors.New("round: protocol already initialized")
	ErrNotInitialized          = errors.New("round: protocol not initialized")
	ErrInvalidConfig           = errors.New("round: invalid protocol config")
	ErrUnknownRequest          = errors.New("round: randomness request does not match round")
)
