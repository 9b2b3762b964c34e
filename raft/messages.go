package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ywng/raft/journal"
)

// MessageKind enumerates the wire messages of §4.2. Hello is handled one
// layer down, by transport.Frame; everything here is carried as the
// opaque Body of a transport.FrameData frame.
type MessageKind uint8

const (
	MsgRequestVote MessageKind = iota
	MsgRequestVoteResponse
	MsgAppendEntries
	MsgAppendEntriesResponse
	MsgInstallSnapshot
	MsgInstallSnapshotResponse
	// MsgForwardCommand and MsgForwardResponse implement the
	// forwardToLeader config flag (§9 open question): a follower that
	// receives a submission forwards the opaque payload to the best
	// known leader and keeps a local callback keyed by RequestID; the
	// leader replies with MsgForwardResponse once the forwarded entry's
	// fate (apply or discard) is known.
	MsgForwardCommand
	MsgForwardResponse
)

// RequestVoteArgs is a candidate's request for a vote.
type RequestVoteArgs struct {
	Term          int64
	CandidateAddr NodeAddress
	LastLogIndex  int64
	LastLogTerm   int64
}

// RequestVoteReply is a voter's response.
type RequestVoteReply struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesArgs replicates entries (or, with Entries empty, serves as
// a heartbeat).
type AppendEntriesArgs struct {
	Term         int64
	LeaderAddr   NodeAddress
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []journal.Entry
	LeaderCommit int64
}

// AppendEntriesReply carries the follower's verdict and, on rejection, a
// conflictHint to accelerate the leader's backoff.
type AppendEntriesReply struct {
	Term         int64
	Success      bool
	MatchIndex   int64
	ConflictHint int64
}

// InstallSnapshotArgs ships a compacted state capture to a lagging
// follower.
type InstallSnapshotArgs struct {
	Term              int64
	LeaderAddr        NodeAddress
	LastIncludedIndex int64
	LastIncludedTerm  int64
	StateBytes        []byte
}

// InstallSnapshotReply acknowledges receipt.
type InstallSnapshotReply struct {
	Term int64
}

// ForwardCommand carries a non-leader's submission to the best-known
// leader.
type ForwardCommand struct {
	OriginAddr NodeAddress
	RequestID  string
	Payload    []byte
}

// ForwardResponse is the leader's reply once the forwarded command's fate
// is known.
type ForwardResponse struct {
	RequestID string
	Result    []byte
	Reason    FailReason
}

// envelope is the single gob-encoded value carried in every FrameData
// body; only the field matching Kind is populated.
type envelope struct {
	Kind MessageKind

	RequestVote         *RequestVoteArgs
	RequestVoteResponse *RequestVoteReply
	AppendEntries       *AppendEntriesArgs
	AppendEntriesResp   *AppendEntriesReply
	InstallSnapshot     *InstallSnapshotArgs
	InstallSnapshotResp *InstallSnapshotReply
	ForwardCommand      *ForwardCommand
	ForwardResponse     *ForwardResponse
}

func encodeEnvelope(e envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("raft: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(body []byte) (envelope, error) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil {
		return envelope{}, fmt.Errorf("raft: decode envelope: %w", err)
	}
	return e, nil
}
