package txn

import "errors"

var (
	ErrNotLeader          = errors.New("not the leader")
	ErrNoParticipants     = errors.New("transaction has no writes")
	ErrAborted            = errors.New("transaction aborted")
	ErrShuttingDown       = errors.New("transaction manager shutting down")
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrOutcomeUnknown means the caller gave up after a commit was decided
	// but before any participant confirmed it. The transaction still
	// completes consistently.
	ErrOutcomeUnknown = errors.New("transaction outcome unknown")
)
