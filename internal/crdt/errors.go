package crdt

import "errors"

var (
	ErrUnknownCounter   = errors.New("unknown counter")
	ErrInvalidCounterID = errors.New("counter id must not be empty")
)
