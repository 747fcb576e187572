package model

// Phase is the state-specific view of a round. Only CompletePhase carries a
// winner, so callers that type-switch on Phase cannot read a winner early.
type Phase interface {
	phase()
}

// ActivePhase is a round accepting registrations and entries.
type ActivePhase struct{}

// AwaitingRandomnessPhase is a closed round waiting for the oracle.
type AwaitingRandomnessPhase struct {
	Request RandomnessRequest
}

// CompletePhase is a resolved round.
type CompletePhase struct {
	Randomness Randomness
	Winner     string
}

func (ActivePhase) phase()             {}
func (AwaitingRandomnessPhase) phase() {}
func (CompletePhase) phase()           {}

// Phase returns the tagged view of r. It returns nil if the stored fields
// are inconsistent with the status.
func (r *Round) Phase() Phase {
	switch r.Status {
	case StatusActive:
		if r.Request != nil || r.Outcome != nil {
			return nil
		}
		return ActivePhase{}
	case StatusRandomnessRequested:
		if r.Request == nil || r.Outcome != nil {
			return nil
		}
		return AwaitingRandomnessPhase{Request: *r.Request}
	case StatusComplete:
		if r.Outcome == nil {
			return nil
		}
		return CompletePhase{Randomness: r.Outcome.Randomness, Winner: r.Outcome.Winner}
	}
	return nil
}
