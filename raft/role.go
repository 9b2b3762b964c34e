package raft

// Role is a node's current position in the Raft protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// FailReason is the taxonomy of completion reasons surfaced to submitters
// (§7). SUCCESS is the zero value, so a FailReason that was never set
// reads as success.
type FailReason int

const (
	Success FailReason = iota
	NotLeader
	LeaderChanged
	QueueFull
	Discarded
	RequestDenied
)

func (f FailReason) String() string {
	switch f {
	case Success:
		return "SUCCESS"
	case NotLeader:
		return "NOT_LEADER"
	case LeaderChanged:
		return "LEADER_CHANGED"
	case QueueFull:
		return "QUEUE_FULL"
	case Discarded:
		return "DISCARDED"
	case RequestDenied:
		return "REQUEST_DENIED"
	default:
		return "UNKNOWN"
	}
}
