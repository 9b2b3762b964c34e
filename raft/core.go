package raft

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ywng/raft/journal"
	"github.com/ywng/raft/statemachine"
)

// sender is the narrow slice of transport.Transport the core depends on,
// so Core can be driven in tests without a real socket.
type sender interface {
	Send(to NodeAddress, body []byte)
}

// Core is the Raft state machine of §4.4: role transitions, elections,
// log replication, commit advancement, and apply-to-user. It is not safe
// for concurrent use — per §5, only the engine's single owning goroutine
// ever calls into it.
type Core struct {
	log  *zap.Logger
	self NodeAddress
	// peers is every other cluster member; self is not included.
	peers []NodeAddress
	cfg   Config

	journal *journal.Journal
	sm      statemachine.StateMachine
	marshal statemachine.Marshaler
	net     sender
	rng     *rand.Rand

	role   Role
	leader NodeAddress

	commitIndex int64
	lastApplied int64

	electionDeadline time.Time
	heartbeatDue     map[NodeAddress]time.Time

	// leader-only
	nextIndex  map[NodeAddress]int64
	matchIndex map[NodeAddress]int64

	pending      *pendingTable
	forwardCalls map[string]NotifyFunc

	votesTerm    int64
	votesGranted map[NodeAddress]bool

	halted  bool
	haltErr error
}

// NewCore constructs a Core bound to a journal, the embedder's state
// machine, its command marshaler, and a sender used to transmit outbound
// Raft messages.
func NewCore(log *zap.Logger, self NodeAddress, peers []NodeAddress, cfg Config, jr *journal.Journal, sm statemachine.StateMachine, ml statemachine.Marshaler, net sender) *Core {
	seed := cfg.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &Core{
		log:          log.Named("raft"),
		self:         self,
		peers:        append([]NodeAddress(nil), peers...),
		cfg:          cfg,
		journal:      jr,
		sm:           sm,
		marshal:      ml,
		net:          net,
		rng:          rand.New(rand.NewSource(seed)),
		role:         Follower,
		heartbeatDue: make(map[NodeAddress]time.Time),
		nextIndex:    make(map[NodeAddress]int64),
		matchIndex:   make(map[NodeAddress]int64),
		pending:      newPendingTable(),
		forwardCalls: make(map[string]NotifyFunc),
	}
	return c
}

// clusterSize is the number of voting members including self.
func (c *Core) clusterSize() int { return len(c.peers) + 1 }

// Bootstrap loads persisted state (if any) and restores the user state
// machine from the snapshot, then arms the election timer.
func (c *Core) Bootstrap(now time.Time) error {
	if err := c.journal.Load(); err != nil {
		return err
	}
	if state := c.journal.SnapshotState(); len(state) > 0 {
		if err := c.sm.Restore(state); err != nil {
			return err
		}
	}
	c.commitIndex = c.journal.CompactedIndex()
	c.lastApplied = c.journal.CompactedIndex()
	c.resetElectionDeadline(now)
	return nil
}

// Role, Leader, SelfAddr, CurrentTerm, CommitIndex, LastApplied, LogSize
// are the read-only observability helpers named in §6.
func (c *Core) Role() Role               { return c.role }
func (c *Core) Leader() NodeAddress      { return c.leader }
func (c *Core) SelfAddr() NodeAddress    { return c.self }
func (c *Core) CurrentTerm() int64       { return c.journal.CurrentTerm() }
func (c *Core) CommitIndex() int64       { return c.commitIndex }
func (c *Core) LastApplied() int64       { return c.lastApplied }
func (c *Core) LogSize() int             { return c.journal.Len() }

func (c *Core) electionTimeout() time.Duration {
	lo, hi := c.cfg.ElectionTimeoutMin, c.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
}

func (c *Core) resetElectionDeadline(now time.Time) {
	c.electionDeadline = now.Add(c.electionTimeout())
}

func (c *Core) send(to NodeAddress, e envelope) {
	body, err := encodeEnvelope(e)
	if err != nil {
		c.log.Warn("failed to encode outbound message, dropping", zap.Error(err))
		return
	}
	c.net.Send(to, body)
}

func (c *Core) broadcast(e envelope) {
	for _, p := range c.peers {
		c.send(p, e)
	}
}

// lastLogIndexTerm returns the (index, term) of the last entry in the
// full log, used by both RequestVote's up-to-date check and the leader's
// own new-election request.
func (c *Core) lastLogIndexTerm() (int64, int64) {
	return c.journal.LastIndex(), c.journal.LastTerm()
}
