package message

import (
	"fmt"
	"maps"
	"slices"
)

// Kind identifies what a Message asks of its receiver.
type Kind uint8

const (
	KindUnknown Kind = iota

	// atomic commit
	KindPrepare
	KindVoteYes
	KindVoteNo
	KindDoCommit
	KindDoAbort
	KindAck
	KindInquire
	KindQuery
	KindStatus

	// leader election
	KindRequestVote
	KindVoteGranted
	KindVoteDenied
	KindHeartbeat
	KindHeartbeatAck

	// counters
	KindMergeVector
)

var kindNames = map[Kind]string{
	KindUnknown:      "Unknown",
	KindPrepare:      "Prepare",
	KindVoteYes:      "VoteYes",
	KindVoteNo:       "VoteNo",
	KindDoCommit:     "DoCommit",
	KindDoAbort:      "DoAbort",
	KindAck:          "Ack",
	KindInquire:      "Inquire",
	KindQuery:        "Query",
	KindStatus:       "Status",
	KindRequestVote:  "RequestVote",
	KindVoteGranted:  "VoteGranted",
	KindVoteDenied:   "VoteDenied",
	KindHeartbeat:    "Heartbeat",
	KindHeartbeatAck: "HeartbeatAck",
	KindMergeVector:  "MergeVector",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsElection reports whether the kind belongs to the election protocol.
func (k Kind) IsElection() bool {
	return k >= KindRequestVote && k <= KindHeartbeatAck
}

// IsTransaction reports whether the kind belongs to the atomic commit protocol.
func (k Kind) IsTransaction() bool {
	return k >= KindPrepare && k <= KindStatus
}

// TxnState is a participant's view of a transaction as carried on the wire.
type TxnState uint8

const (
	StateNone TxnState = iota
	StateWorking
	StatePrepared
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWorking:
		return "working"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TxnState(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s TxnState) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Write is a single key mutation inside a transaction.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Message is the envelope exchanged between nodes. Only the fields relevant
// to Kind are populated; the rest stay zero.
type Message struct {
	Kind Kind
	From uint64
	To   uint64

	Epoch uint64
	// Round is the leader's tick count when it sent a heartbeat, echoed
	// back in the ack.
	Round uint64

	TxnID        uint64
	Coordinator  uint64
	Participants []uint64
	Writes       []Write
	State        TxnState
	Fenced       bool

	CounterID string
	Vector    map[uint64]uint64
}

func (m Message) String() string {
	switch {
	case m.Kind.IsTransaction():
		return fmt.Sprintf("%s{from=%d to=%d txn=%d epoch=%d state=%s}", m.Kind, m.From, m.To, m.TxnID, m.Epoch, m.State)
	case m.Kind == KindMergeVector:
		return fmt.Sprintf("%s{from=%d to=%d counter=%q}", m.Kind, m.From, m.To, m.CounterID)
	default:
		return fmt.Sprintf("%s{from=%d to=%d epoch=%d}", m.Kind, m.From, m.To, m.Epoch)
	}
}

// Clone returns a deep copy so a message handed to several receivers cannot
// be mutated through a shared slice or map.
func (m Message) Clone() Message {
	out := m
	if m.Participants != nil {
		out.Participants = slices.Clone(m.Participants)
	}
	if m.Writes != nil {
		out.Writes = make([]Write, len(m.Writes))
		for i, w := range m.Writes {
			out.Writes[i] = Write{Key: w.Key, Value: slices.Clone(w.Value), Delete: w.Delete}
		}
	}
	if m.Vector != nil {
		out.Vector = maps.Clone(m.Vector)
	}
	return out
}
