package txn

import (
	"fmt"

	"quorumkv/internal/election"
)

type CoordinatorState uint8

const (
	StateInit CoordinatorState = iota
	StateWaiting
	StateCommitted
	StateAborted
)

func (s CoordinatorState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaiting:
		return "waiting"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("CoordinatorState(%d)", uint8(s))
	}
}

func (s CoordinatorState) Decided() bool {
	return s == StateCommitted || s == StateAborted
}

// Outcome is what a client learns about its transaction.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeCommitted
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "commit"
	case OutcomeAborted:
		return "abort"
	default:
		return "unknown"
	}
}

// Err maps an abort to ErrAborted so callers that only deal in errors can
// still tell the two apart.
func (o Outcome) Err() error {
	switch o {
	case OutcomeCommitted:
		return nil
	case OutcomeAborted:
		return ErrAborted
	default:
		return ErrOutcomeUnknown
	}
}

// Leadership is the view of the election the transaction layer needs.
type Leadership interface {
	Status() election.Status
}
