package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ywng/raft/journal"
	"github.com/ywng/raft/statemachine"
)

// recordingSender captures every outbound envelope instead of putting it
// on a socket, so unit tests can assert on what the core tried to send.
type recordingSender struct {
	sent []sentMessage
}

type sentMessage struct {
	to   NodeAddress
	body []byte
}

func (s *recordingSender) Send(to NodeAddress, body []byte) {
	s.sent = append(s.sent, sentMessage{to: to, body: body})
}

// nopStateMachine never refuses an apply and never has anything to
// snapshot, which is all these unit tests need from it.
type nopStateMachine struct{}

func (nopStateMachine) Apply(payload []byte) ([]byte, error) { return payload, nil }
func (nopStateMachine) Snapshot() ([]byte, error)             { return nil, nil }
func (nopStateMachine) Restore([]byte) error                  { return nil }

type nopMarshaler struct{}

func (nopMarshaler) Encode(methodID uint32, args []byte) ([]byte, error) { return args, nil }
func (nopMarshaler) Decode(payload []byte) (uint32, []byte, error)       { return 0, payload, nil }

// captureStateMachine records what it was asked to restore and returns a
// fixed snapshot, so InstallSnapshot tests can assert the payload the
// core handed it rather than just that Restore didn't error.
type captureStateMachine struct {
	snapshotOut []byte
	restored    []byte
}

func (m *captureStateMachine) Apply(payload []byte) ([]byte, error) { return payload, nil }
func (m *captureStateMachine) Snapshot() ([]byte, error)            { return m.snapshotOut, nil }
func (m *captureStateMachine) Restore(state []byte) error {
	m.restored = state
	return nil
}

func newTestCore(t *testing.T, self NodeAddress, peers []NodeAddress) (*Core, *recordingSender) {
	t.Helper()
	c, sender, _ := newTestCoreWithSM(t, self, peers, nopStateMachine{})
	return c, sender
}

func newTestCoreWithSM(t *testing.T, self NodeAddress, peers []NodeAddress, sm statemachine.StateMachine) (*Core, *recordingSender, *journal.Journal) {
	t.Helper()
	sender := &recordingSender{}
	jr := journal.New(zap.NewNop(), "")
	cfg := DefaultConfig()
	cfg.RandSeed = 1
	var ml statemachine.Marshaler = nopMarshaler{}
	c := NewCore(zap.NewNop(), self, peers, cfg, jr, sm, ml, sender)
	require.NoError(t, c.Bootstrap(time.Now()))
	return c, sender, jr
}

func TestStartElectionBroadcastsRequestVoteAndVotesForSelf(t *testing.T) {
	c, sender := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)

	require.Equal(t, Candidate, c.Role())
	require.Equal(t, int64(1), c.CurrentTerm())
	require.Len(t, sender.sent, 2)
}

func TestCandidateBecomesLeaderOnMajorityVotes(t *testing.T) {
	c, sender := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	sender.sent = nil

	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)

	require.Equal(t, Leader, c.Role())
	require.Equal(t, NodeAddress("a"), c.Leader())
	// becomeLeader appends a NoOp; it goes out on the next replication pass.
	require.Equal(t, 1, c.LogSize())
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b"})
	c.journal.SetTermAndVote(5, "")

	reply := c.HandleRequestVote(RequestVoteArgs{Term: 2, CandidateAddr: "b"}, time.Now())

	require.False(t, reply.VoteGranted)
	require.Equal(t, int64(5), reply.Term)
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()

	first := c.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateAddr: "b"}, now)
	require.True(t, first.VoteGranted)

	second := c.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateAddr: "c"}, now)
	require.False(t, second.VoteGranted)
}

func TestAdvanceCommitIndexRequiresCurrentTermEntry(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	// The NoOp at index 1 is already at the leader's current term; a
	// majority ack (self + one peer) should commit it.
	c.matchIndex["b"] = 1
	c.advanceCommitIndex()
	require.Equal(t, int64(1), c.CommitIndex())
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b"})
	reply := c.HandleAppendEntries(AppendEntriesArgs{
		Term:         1,
		LeaderAddr:   "b",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	}, time.Now())

	require.False(t, reply.Success)
	require.Equal(t, int64(0), reply.ConflictHint)
}

func TestHandleAppendEntriesAppendsAndAdvancesCommit(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b"})
	now := time.Now()

	reply := c.HandleAppendEntries(AppendEntriesArgs{
		Term:         1,
		LeaderAddr:   "b",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []logEntry{{Index: 1, Term: 1, Kind: entryCommand, Payload: []byte("x")}},
		LeaderCommit: 1,
	}, now)

	require.True(t, reply.Success)
	require.Equal(t, int64(1), reply.MatchIndex)
	require.Equal(t, int64(1), c.CommitIndex())
	require.Equal(t, Follower, c.Role())
}

func TestStepDownClearsLeaderAndDiscardsPending(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	var gotReason FailReason
	c.pending.add(PendingCall{Index: 2, Term: 1, Notify: func(_ []byte, reason FailReason) { gotReason = reason }})

	c.stepDown(2, now)

	require.Equal(t, Follower, c.Role())
	require.Equal(t, NodeAddress(""), c.Leader())
	require.Equal(t, LeaderChanged, gotReason)
}

func TestSubmitOnNonLeaderWithoutForwardingFailsNotLeader(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b"})
	c.cfg.ForwardToLeader = false

	var gotReason FailReason
	c.Submit([]byte("cmd"), func(_ []byte, reason FailReason) { gotReason = reason })

	require.Equal(t, NotLeader, gotReason)
}

func TestSubmitOnLeaderAppendsAndResolvesOnApply(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	var gotReason FailReason
	var gotResult []byte
	c.Submit([]byte("hello"), func(result []byte, reason FailReason) {
		gotResult, gotReason = result, reason
	})
	require.Equal(t, 2, c.LogSize()) // NoOp at 1, command at 2

	c.matchIndex["b"] = 2
	c.advanceCommitIndex()
	require.Equal(t, int64(2), c.CommitIndex())

	c.ApplyCommitted(now)

	require.Equal(t, Success, gotReason)
	require.Equal(t, []byte("hello"), gotResult)
}

func TestFatalHaltsNodeOnce(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b"})
	require.False(t, c.Halted())

	c.fatal("first", errTest)
	require.True(t, c.Halted())
	firstErr := c.HaltError()

	c.fatal("second", errTest)
	require.Equal(t, firstErr, c.HaltError())
}

var errTest = fatalTestError("boom")

type fatalTestError string

func (e fatalTestError) Error() string { return string(e) }

func TestHandleInstallSnapshotRestoresStateAndAdvancesTerm(t *testing.T) {
	sm := &captureStateMachine{}
	c, _, jr := newTestCoreWithSM(t, "a", []NodeAddress{"b"}, sm)
	now := time.Now()

	reply := c.HandleInstallSnapshot(InstallSnapshotArgs{
		Term:              3,
		LeaderAddr:        "b",
		LastIncludedIndex: 10,
		LastIncludedTerm:  2,
		StateBytes:        []byte("snapshot-state"),
	}, now)

	require.Equal(t, int64(3), reply.Term)
	require.Equal(t, []byte("snapshot-state"), sm.restored)
	require.Equal(t, int64(10), c.CommitIndex())
	require.Equal(t, int64(10), c.LastApplied())
	require.Equal(t, int64(10), jr.CompactedIndex())
	require.Equal(t, int64(2), jr.CompactedTerm())
	require.Equal(t, Follower, c.Role())
	require.Equal(t, NodeAddress("b"), c.Leader())
	require.Equal(t, int64(3), c.CurrentTerm())
}

func TestHandleInstallSnapshotRejectsStaleTerm(t *testing.T) {
	sm := &captureStateMachine{}
	c, _, _ := newTestCoreWithSM(t, "a", []NodeAddress{"b"}, sm)
	c.journal.SetTermAndVote(5, "")

	reply := c.HandleInstallSnapshot(InstallSnapshotArgs{Term: 2, LeaderAddr: "b"}, time.Now())

	require.Equal(t, int64(5), reply.Term)
	require.Nil(t, sm.restored)
}

func TestHandleInstallSnapshotResponseAdvancesMatchAndNextIndex(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	// Pretend the log was compacted up to index 1 before b acked the
	// snapshot the leader sent it.
	require.NoError(t, c.journal.Compact(1, []byte("state"), now.UnixNano()))

	c.HandleInstallSnapshotResponse("b", InstallSnapshotReply{Term: 1}, now)

	require.Equal(t, c.journal.CompactedIndex(), c.matchIndex["b"])
	require.Equal(t, c.journal.CompactedIndex()+1, c.nextIndex["b"])
}

func TestHandleInstallSnapshotResponseStepsDownOnHigherTerm(t *testing.T) {
	c, _ := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	c.HandleInstallSnapshotResponse("b", InstallSnapshotReply{Term: 9}, now)

	require.Equal(t, Follower, c.Role())
	require.Equal(t, int64(9), c.CurrentTerm())
}

func TestReplicateToPeerSendsInstallSnapshotOnceFollowerIsBehindCompaction(t *testing.T) {
	c, sender := newTestCore(t, "a", []NodeAddress{"b", "c"})
	now := time.Now()
	c.StartElection(now)
	c.HandleRequestVoteResponse("b", RequestVoteReply{Term: 1, VoteGranted: true}, now)
	require.Equal(t, Leader, c.Role())

	// Compact past the point peer "b" has been told about, as would
	// happen if it had been partitioned away during a busy period.
	require.NoError(t, c.journal.Compact(1, []byte("state"), now.UnixNano()))
	c.nextIndex["b"] = 1

	sender.sent = nil
	c.replicateToPeer("b", now)

	require.Len(t, sender.sent, 1)
	e, err := decodeEnvelope(sender.sent[0].body)
	require.NoError(t, err)
	require.Equal(t, MsgInstallSnapshot, e.Kind)
	require.Equal(t, int64(1), e.InstallSnapshot.LastIncludedIndex)
	require.Equal(t, []byte("state"), e.InstallSnapshot.StateBytes)
}
