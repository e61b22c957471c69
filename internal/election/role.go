package election

import "fmt"

type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleDead
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleDead:
		return "dead"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Status is a point-in-time view of one node's election state.
type Status struct {
	ID       uint64
	Role     Role
	Epoch    uint64
	Leader   uint64
	VotedFor uint64
}

func (s Status) IsLeader() bool {
	return s.Role == RoleLeader
}
