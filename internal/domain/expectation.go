package domain

import "time"

// ExpectationKind names the field the next message should be read as.
type ExpectationKind string

const (
	ExpectNone    ExpectationKind = ""
	ExpectDOB     ExpectationKind = "awaiting_dob"
	ExpectCountry ExpectationKind = "awaiting_country"
)

// Expectation is the single active expectation flag of a user.
type Expectation struct {
	Kind      ExpectationKind `json:"kind"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Active reports whether the expectation still applies at now.
func (e Expectation) Active(now time.Time) bool {
	return e.Kind != ExpectNone && now.Before(e.ExpiresAt)
}

// State is the sign-in progress derived from a profile and its expectation.
type State int

const (
	StateIdle State = iota
	StateAwaitingDOB
	StateAwaitingCountry
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingDOB:
		return "awaiting_dob"
	case StateAwaitingCountry:
		return "awaiting_country"
	case StateComplete:
		return "complete"
	default:
		return "idle"
	}
}
