package raft_test

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ywng/raft"
	"github.com/ywng/raft/internal/testutil"
)

type wireCommand struct {
	MethodID uint32
	Args     []byte
}

type gobMarshaler struct{}

func (gobMarshaler) Encode(methodID uint32, args []byte) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireCommand{MethodID: methodID, Args: args})
	return buf.Bytes(), err
}

func (gobMarshaler) Decode(payload []byte) (uint32, []byte, error) {
	var wc wireCommand
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wc)
	return wc.MethodID, wc.Args, err
}

const methodAdd uint32 = 0

type counterMachine struct {
	value int64
}

func (m *counterMachine) Apply(payload []byte) ([]byte, error) {
	_, args, err := (gobMarshaler{}).Decode(payload)
	if err != nil {
		return nil, err
	}
	m.value += int64(binary.LittleEndian.Uint64(args))
	return i64(m.value), nil
}

func (m *counterMachine) Snapshot() ([]byte, error) { return i64(m.value), nil }

func (m *counterMachine) Restore(state []byte) error {
	if len(state) == 0 {
		m.value = 0
		return nil
	}
	m.value = int64(binary.LittleEndian.Uint64(state))
	return nil
}

func i64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func addCommand(n *raft.Node, delta int64) ([]byte, error) {
	return n.EncodeCommand(methodAdd, i64(delta))
}

func newSingleNode(t *testing.T, self raft.NodeAddress, peers []raft.NodeAddress, tweak func(*raft.Config)) (*raft.Node, *counterMachine) {
	t.Helper()
	cfg := raft.DefaultConfig()
	cfg.AutoTick = false
	cfg.ElectionTimeoutMin = 150 * time.Millisecond
	cfg.ElectionTimeoutMax = 300 * time.Millisecond
	cfg.HeartbeatPeriod = 40 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	sm := &counterMachine{}
	node, err := raft.New(zaptest.NewLogger(t), self, peers, cfg, sm, gobMarshaler{})
	require.NoError(t, err)
	return node, sm
}

func startCluster(t *testing.T, size int) ([]*raft.Node, []*counterMachine, func()) {
	t.Helper()
	addrs := make([]raft.NodeAddress, size)
	for i := range addrs {
		addrs[i] = raft.NodeAddress(testutil.NextAddr())
	}

	nodes := make([]*raft.Node, size)
	sms := make([]*counterMachine, size)
	for i := range addrs {
		var peers []raft.NodeAddress
		for j, a := range addrs {
			if j != i {
				peers = append(peers, a)
			}
		}
		cfg := raft.DefaultConfig()
		cfg.AutoTick = false
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
		cfg.ElectionTimeoutMax = 300 * time.Millisecond
		cfg.HeartbeatPeriod = 40 * time.Millisecond

		sm := &counterMachine{}
		node, err := raft.New(zaptest.NewLogger(t), addrs[i], peers, cfg, sm, gobMarshaler{})
		require.NoError(t, err)
		nodes[i] = node
		sms[i] = sm
	}

	cleanup := func() {
		for _, n := range nodes {
			n.Destroy()
		}
	}
	return nodes, sms, cleanup
}

func tickers(nodes []*raft.Node) []testutil.Ticker {
	out := make([]testutil.Ticker, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

func waitForLeader(t *testing.T, nodes []*raft.Node) *raft.Node {
	t.Helper()
	tk := tickers(nodes)
	var leader *raft.Node
	ok := testutil.WaitForCondition(5*time.Second, 50*time.Millisecond, func() bool {
		testutil.DoTicks(tk, 60*time.Millisecond, 20*time.Millisecond)
		for _, n := range nodes {
			if n.Role() == raft.Leader {
				leader = n
				return true
			}
		}
		return false
	})
	require.True(t, ok, "no leader elected in time")
	return leader
}

func TestTwoNodeClusterElectsLeaderAndReplicatesCommand(t *testing.T) {
	nodes, _, cleanup := startCluster(t, 2)
	defer cleanup()
	tk := tickers(nodes)

	leader := waitForLeader(t, nodes)

	payload, err := addCommand(leader, 7)
	require.NoError(t, err)

	done := make(chan raft.FailReason, 1)
	leader.Submit(payload, func(_ []byte, reason raft.FailReason) { done <- reason })

	var reason raft.FailReason
	ok := testutil.WaitForCondition(3*time.Second, 30*time.Millisecond, func() bool {
		testutil.DoTicks(tk, 30*time.Millisecond, 20*time.Millisecond)
		select {
		case reason = <-done:
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "submission never resolved")
	require.Equal(t, raft.Success, reason)

	ok = testutil.WaitForCondition(2*time.Second, 30*time.Millisecond, func() bool {
		testutil.DoTicks(tk, 30*time.Millisecond, 20*time.Millisecond)
		for _, n := range nodes {
			if n.LastApplied() < leader.CommitIndex() {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "followers never caught up to the commit index")
}

func TestThreeNodeClusterElectsExactlyOneLeaderPerTerm(t *testing.T) {
	nodes, _, cleanup := startCluster(t, 3)
	defer cleanup()

	leader := waitForLeader(t, nodes)

	leaders := 0
	for _, n := range nodes {
		if n.Role() == raft.Leader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
	require.Equal(t, leader.SelfAddr(), leader.Leader())
}

func TestQuorumLossStopsCommitAdvancement(t *testing.T) {
	nodes, _, cleanup := startCluster(t, 3)
	defer cleanup()
	tk := tickers(nodes)

	leader := waitForLeader(t, nodes)

	// Tear down both followers: the leader keeps ticking but can no
	// longer reach a majority, so its commitIndex must stop moving.
	for _, n := range nodes {
		if n != leader {
			n.Destroy()
		}
	}

	before := leader.CommitIndex()
	payload, err := addCommand(leader, 1)
	require.NoError(t, err)
	leader.Submit(payload, func([]byte, raft.FailReason) {})

	testutil.DoTicks([]testutil.Ticker{leader}, 500*time.Millisecond, 30*time.Millisecond)
	require.Equal(t, before, leader.CommitIndex(), "commit index must not advance without a quorum")
}

// TestLateJoinerCatchesUpViaInstallSnapshot exercises spec scenario 3: a
// node whose log starts further behind than the leader's compaction
// boundary cannot be caught up with AppendEntries alone and must receive
// an InstallSnapshot. Here that's simulated by starting a third node only
// after the first two have already driven the leader's log past
// compaction, rather than by disconnect/reconnect — the replication-side
// effect (nextIndex <= compactedIndex) is identical either way.
func TestLateJoinerCatchesUpViaInstallSnapshot(t *testing.T) {
	addrA := raft.NodeAddress(testutil.NextAddr())
	addrB := raft.NodeAddress(testutil.NextAddr())
	addrC := raft.NodeAddress(testutil.NextAddr())

	compactCfg := func(cfg *raft.Config) {
		cfg.LogCompactionMinEntries = 3
		cfg.LogCompactionMinTime = 0
	}

	nodeA, _ := newSingleNode(t, addrA, []raft.NodeAddress{addrB, addrC}, compactCfg)
	nodeB, _ := newSingleNode(t, addrB, []raft.NodeAddress{addrA, addrC}, compactCfg)
	defer nodeA.Destroy()
	defer nodeB.Destroy()

	early := []*raft.Node{nodeA, nodeB}
	leader := waitForLeader(t, early)

	const numCommands = 6
	for i := int64(1); i <= numCommands; i++ {
		payload, err := addCommand(leader, i)
		require.NoError(t, err)
		done := make(chan raft.FailReason, 1)
		leader.Submit(payload, func(_ []byte, reason raft.FailReason) { done <- reason })

		ok := testutil.WaitForCondition(3*time.Second, 30*time.Millisecond, func() bool {
			testutil.DoTicks(tickers(early), 30*time.Millisecond, 20*time.Millisecond)
			select {
			case <-done:
				return true
			default:
				return false
			}
		})
		require.True(t, ok, "command %d never committed", i)
	}

	// The leader must have compacted well below the number of commands
	// submitted, or the rest of this test would not actually exercise
	// InstallSnapshot.
	require.Less(t, leader.LogSize(), numCommands+1)
	compactedCommitIndex := leader.CommitIndex()

	nodeC, smC := newSingleNode(t, addrC, []raft.NodeAddress{addrA, addrB}, compactCfg)
	defer nodeC.Destroy()

	all := []*raft.Node{nodeA, nodeB, nodeC}
	ok := testutil.WaitForCondition(5*time.Second, 50*time.Millisecond, func() bool {
		testutil.DoTicks(tickers(all), 60*time.Millisecond, 20*time.Millisecond)
		return nodeC.LastApplied() >= compactedCommitIndex
	})
	require.True(t, ok, "late joiner never caught up")

	// A fresh node can only have gotten this far without ever holding
	// all numCommands live entries by way of InstallSnapshot, not a full
	// AppendEntries replay from index 1.
	require.Less(t, nodeC.LogSize(), numCommands+1)
	require.Equal(t, int64(numCommands*(numCommands+1)/2), smC.value)
}
