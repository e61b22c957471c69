package election

import "errors"

var (
	ErrNotLeader = errors.New("node is not the leader")
	ErrNodeDead  = errors.New("node is dead")
	ErrStopped   = errors.New("election monitor stopped")
)
