package raft

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// ReplicatePeers runs the leader's per-peer replication pass (§4.4.4). It
// is a no-op for followers and candidates.
func (c *Core) ReplicatePeers(now time.Time) {
	if c.role != Leader {
		return
	}
	for _, p := range c.peers {
		c.replicateToPeer(p, now)
	}
}

func (c *Core) replicateToPeer(p NodeAddress, now time.Time) {
	next := c.nextIndex[p]
	lastIndex := c.journal.LastIndex()
	hasNewEntries := next <= lastIndex
	due := !now.Before(c.heartbeatDue[p])

	if !hasNewEntries && !due {
		return
	}

	if next <= c.journal.CompactedIndex() {
		c.sendInstallSnapshot(p, now)
		return
	}

	prevIndex := next - 1
	prevTerm, ok := c.journal.TermAt(prevIndex)
	if !ok {
		c.sendInstallSnapshot(p, now)
		return
	}

	hi := lastIndex
	if c.cfg.AppendEntriesUseBatch && c.cfg.MaxBatchEntries > 0 {
		if cap := next + int64(c.cfg.MaxBatchEntries) - 1; hi > cap {
			hi = cap
		}
	}
	entries := c.journal.Range(next, hi)

	c.send(p, envelope{
		Kind: MsgAppendEntries,
		AppendEntries: &AppendEntriesArgs{
			Term:         c.journal.CurrentTerm(),
			LeaderAddr:   c.self,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: c.commitIndex,
		},
	})
	c.heartbeatDue[p] = now.Add(c.cfg.HeartbeatPeriod)
}

func (c *Core) sendInstallSnapshot(p NodeAddress, now time.Time) {
	c.send(p, envelope{
		Kind: MsgInstallSnapshot,
		InstallSnapshot: &InstallSnapshotArgs{
			Term:              c.journal.CurrentTerm(),
			LeaderAddr:        c.self,
			LastIncludedIndex: c.journal.CompactedIndex(),
			LastIncludedTerm:  c.journal.CompactedTerm(),
			StateBytes:        c.journal.SnapshotState(),
		},
	})
	c.heartbeatDue[p] = now.Add(c.cfg.HeartbeatPeriod)
}

// conflictHint implements the backoff acceleration of §4.4.3 step 3: the
// receiver's lastIndex if prevLogIndex runs past the end of the log,
// otherwise the first index of the conflicting term.
func (c *Core) conflictHint(prevLogIndex int64) int64 {
	if prevLogIndex > c.journal.LastIndex() {
		return c.journal.LastIndex()
	}
	term, ok := c.journal.TermAt(prevLogIndex)
	if !ok {
		return prevLogIndex
	}
	idx := prevLogIndex
	for idx > c.journal.CompactedIndex() {
		t, ok := c.journal.TermAt(idx - 1)
		if !ok || t != term {
			break
		}
		idx--
	}
	return idx
}

// HandleAppendEntries implements the follower/receiver side of §4.4.3.
func (c *Core) HandleAppendEntries(args AppendEntriesArgs, now time.Time) AppendEntriesReply {
	if args.Term < c.journal.CurrentTerm() {
		return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: false}
	}

	if args.Term > c.journal.CurrentTerm() {
		c.stepDown(args.Term, now)
	}
	c.role = Follower
	c.leader = args.LeaderAddr
	c.resetElectionDeadline(now)

	if args.PrevLogIndex > c.journal.LastIndex() {
		return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: false, ConflictHint: c.conflictHint(args.PrevLogIndex)}
	}
	if localTerm, ok := c.journal.TermAt(args.PrevLogIndex); !ok || localTerm != args.PrevLogTerm {
		return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: false, ConflictHint: c.conflictHint(args.PrevLogIndex)}
	}

	for _, e := range args.Entries {
		if e.Index <= c.journal.CompactedIndex() {
			continue
		}
		if e.Index <= c.journal.LastIndex() {
			localTerm, _ := c.journal.TermAt(e.Index)
			if localTerm == e.Term {
				continue // already present, idempotent retry
			}
			if err := c.journal.TruncateSuffix(e.Index, c.commitIndex); err != nil {
				c.fatal("attempted to truncate a committed entry", err)
				return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: false}
			}
		}
		if err := c.journal.Append([]logEntry{e}); err != nil {
			c.fatal("log index discontinuity while appending replicated entries", err)
			return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: false}
		}
	}
	c.journal.Persist()

	lastNewEntryIndex := args.PrevLogIndex + int64(len(args.Entries))
	if args.LeaderCommit > c.commitIndex {
		newCommit := args.LeaderCommit
		if lastNewEntryIndex < newCommit {
			newCommit = lastNewEntryIndex
		}
		c.commitIndex = newCommit
	}

	return AppendEntriesReply{Term: c.journal.CurrentTerm(), Success: true, MatchIndex: lastNewEntryIndex}
}

// HandleAppendEntriesResponse implements the leader side of §4.4.4.
func (c *Core) HandleAppendEntriesResponse(from NodeAddress, reply AppendEntriesReply, now time.Time) {
	if reply.Term > c.journal.CurrentTerm() {
		c.stepDown(reply.Term, now)
		return
	}
	if c.role != Leader || reply.Term != c.journal.CurrentTerm() {
		return
	}
	if reply.Success {
		if reply.MatchIndex > c.matchIndex[from] {
			c.matchIndex[from] = reply.MatchIndex
		}
		c.nextIndex[from] = c.matchIndex[from] + 1
		c.advanceCommitIndex()
		return
	}
	next := c.nextIndex[from] - 1
	if reply.ConflictHint < next {
		next = reply.ConflictHint
	}
	if next < 1 {
		next = 1
	}
	c.nextIndex[from] = next
}

// advanceCommitIndex implements §4.4.5: commit advances to the highest
// index replicated on a majority, but only if that index's term is the
// leader's current term (the safety constraint that prevents committing
// an old-term entry indirectly).
func (c *Core) advanceCommitIndex() {
	if c.role != Leader {
		return
	}
	matches := make([]int64, 0, len(c.peers)+1)
	matches = append(matches, c.journal.LastIndex())
	for _, p := range c.peers {
		matches = append(matches, c.matchIndex[p])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	n := matches[quorum(c.clusterSize())-1]
	if n <= c.commitIndex {
		return
	}
	if term, ok := c.journal.TermAt(n); ok && term == c.journal.CurrentTerm() {
		c.commitIndex = n
	}
}

// HandlePeerReconnected resets a peer's replication bookkeeping after a
// transport reconnect, so the leader retries from its best guess rather
// than waiting on the next heartbeat to discover the conflict.
func (c *Core) HandlePeerReconnected(peer NodeAddress, now time.Time) {
	if c.role != Leader {
		return
	}
	c.nextIndex[peer] = c.journal.LastIndex() + 1
	c.heartbeatDue[peer] = now
}

// HandleInstallSnapshot implements §4.4.7.
func (c *Core) HandleInstallSnapshot(args InstallSnapshotArgs, now time.Time) InstallSnapshotReply {
	if args.Term < c.journal.CurrentTerm() {
		return InstallSnapshotReply{Term: c.journal.CurrentTerm()}
	}
	if args.Term > c.journal.CurrentTerm() {
		c.stepDown(args.Term, now)
	}
	c.role = Follower
	c.leader = args.LeaderAddr
	c.resetElectionDeadline(now)

	if err := c.sm.Restore(args.StateBytes); err != nil {
		c.fatal("state machine refused InstallSnapshot payload", err)
		return InstallSnapshotReply{Term: c.journal.CurrentTerm()}
	}
	if err := c.journal.InstallSnapshot(args.LastIncludedIndex, args.LastIncludedTerm, args.StateBytes); err != nil {
		c.fatal("journal refused InstallSnapshot", err)
		return InstallSnapshotReply{Term: c.journal.CurrentTerm()}
	}
	c.commitIndex = args.LastIncludedIndex
	c.lastApplied = args.LastIncludedIndex
	c.log.Info("installed snapshot", zap.Int64("lastIncludedIndex", args.LastIncludedIndex))
	return InstallSnapshotReply{Term: c.journal.CurrentTerm()}
}

// HandleInstallSnapshotResponse implements the leader side of §4.4.4's
// snapshot branch.
func (c *Core) HandleInstallSnapshotResponse(from NodeAddress, reply InstallSnapshotReply, now time.Time) {
	if reply.Term > c.journal.CurrentTerm() {
		c.stepDown(reply.Term, now)
		return
	}
	if c.role != Leader || reply.Term != c.journal.CurrentTerm() {
		return
	}
	sent := c.journal.CompactedIndex()
	if sent > c.matchIndex[from] {
		c.matchIndex[from] = sent
	}
	c.nextIndex[from] = sent + 1
}
