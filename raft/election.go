package raft

import (
	"time"

	"go.uber.org/zap"
)

// ElectionTimeoutElapsed reports whether a follower or candidate's
// election deadline has passed as of now (§4.4.1). A leader never times
// out an election.
func (c *Core) ElectionTimeoutElapsed(now time.Time) bool {
	return c.role != Leader && !now.Before(c.electionDeadline)
}

// appendLocalEntry appends one entry at the current term and persists it,
// returning its index.
func (c *Core) appendLocalEntry(kind entryKind, payload []byte) int64 {
	index := c.journal.LastIndex() + 1
	entry := logEntry{Index: index, Term: c.journal.CurrentTerm(), Kind: kind, Payload: payload}
	_ = c.journal.Append([]logEntry{entry})
	c.journal.Persist()
	return index
}

// stepDown adopts a higher observed term and reverts to Follower,
// clearing any vote from a prior term (§4.3.1 / Raft's term-adoption
// rule). It is a no-op if term is not actually newer.
func (c *Core) stepDown(term int64, now time.Time) {
	if term <= c.journal.CurrentTerm() {
		return
	}
	wasLeader := c.role == Leader
	c.journal.SetTermAndVote(term, "")
	c.journal.Persist()
	c.role = Follower
	c.votesGranted = nil
	if wasLeader {
		c.leader = ""
		// Every in-flight command submitted while we were leader is
		// now unresolved: §7 surfaces LEADER_CHANGED rather than
		// leaving the caller waiting forever.
		c.pending.discardAll(LeaderChanged)
	}
}

// StartElection begins a new election: increments currentTerm, votes for
// self, and broadcasts RequestVote (§4.4.1 Candidate).
func (c *Core) StartElection(now time.Time) {
	term := c.journal.CurrentTerm() + 1
	c.journal.SetTermAndVote(term, string(c.self))
	c.journal.Persist()
	c.role = Candidate
	c.leader = ""
	c.votesTerm = term
	c.votesGranted = map[NodeAddress]bool{c.self: true}
	c.resetElectionDeadline(now)

	lastIndex, lastTerm := c.lastLogIndexTerm()
	c.log.Info("starting election", zap.Int64("term", term))
	c.broadcast(envelope{
		Kind: MsgRequestVote,
		RequestVote: &RequestVoteArgs{
			Term:          term,
			CandidateAddr: c.self,
			LastLogIndex:  lastIndex,
			LastLogTerm:   lastTerm,
		},
	})
}

// becomeLeader transitions to Leader and appends the term's NoOp entry,
// which lets the commitment rule (§4.4.5) commit prior-term entries once
// it itself replicates.
func (c *Core) becomeLeader(now time.Time) {
	c.role = Leader
	c.leader = c.self
	c.votesGranted = nil

	lastIndex := c.journal.LastIndex()
	c.nextIndex = make(map[NodeAddress]int64, len(c.peers))
	c.matchIndex = make(map[NodeAddress]int64, len(c.peers))
	c.heartbeatDue = make(map[NodeAddress]time.Time, len(c.peers))
	for _, p := range c.peers {
		c.nextIndex[p] = lastIndex + 1
		c.matchIndex[p] = 0
		c.heartbeatDue[p] = now // replicate immediately
	}

	noOpIndex := c.appendLocalEntry(entryNoOp, nil)
	c.log.Info("became leader", zap.Int64("term", c.journal.CurrentTerm()), zap.Int64("noOpIndex", noOpIndex))
}

// HandleRequestVote implements §4.4.2.
func (c *Core) HandleRequestVote(args RequestVoteArgs, now time.Time) RequestVoteReply {
	if args.Term < c.journal.CurrentTerm() {
		return RequestVoteReply{Term: c.journal.CurrentTerm(), VoteGranted: false}
	}
	if args.Term > c.journal.CurrentTerm() {
		c.stepDown(args.Term, now)
	}

	votedFor := c.journal.VotedFor()
	alreadyVotedElsewhere := votedFor != "" && votedFor != string(args.CandidateAddr)
	upToDate := c.logAtLeastAsUpToDateAs(args.LastLogIndex, args.LastLogTerm)

	if alreadyVotedElsewhere || !upToDate {
		return RequestVoteReply{Term: c.journal.CurrentTerm(), VoteGranted: false}
	}

	c.journal.SetTermAndVote(args.Term, string(args.CandidateAddr))
	c.journal.Persist()
	c.resetElectionDeadline(now)
	return RequestVoteReply{Term: c.journal.CurrentTerm(), VoteGranted: true}
}

// logAtLeastAsUpToDateAs implements the up-to-date comparison of §4.4.2:
// the candidate's (lastLogTerm, lastLogIndex) must be pairwise >= ours.
func (c *Core) logAtLeastAsUpToDateAs(candIndex, candTerm int64) bool {
	myIndex, myTerm := c.lastLogIndexTerm()
	if candTerm != myTerm {
		return candTerm > myTerm
	}
	return candIndex >= myIndex
}

// HandleRequestVoteResponse implements the candidate side of §4.4.1.
func (c *Core) HandleRequestVoteResponse(from NodeAddress, reply RequestVoteReply, now time.Time) {
	if reply.Term > c.journal.CurrentTerm() {
		c.stepDown(reply.Term, now)
		return
	}
	if c.role != Candidate || reply.Term != c.votesTerm {
		return // stale response from a prior or different election
	}
	if !reply.VoteGranted {
		return
	}
	c.votesGranted[from] = true
	if len(c.votesGranted) >= quorum(c.clusterSize()) {
		c.becomeLeader(now)
	}
}
