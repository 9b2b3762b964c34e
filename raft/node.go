package raft

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ywng/raft/journal"
	"github.com/ywng/raft/statemachine"
	"github.com/ywng/raft/transport"
)

// autoTickInterval is the maxWait §4.5 names for the internal autoTick
// goroutine: tick(maxWait=0.05).
const autoTickInterval = 50 * time.Millisecond

// submitQueueDepth bounds the cheap channel hop between Submit (callable
// from any goroutine) and the single engine goroutine that owns Core.
// New sizes the channel to the larger of this and commandsQueueSize, so the
// channel never fills before commandsQueueSize, which is the bound that
// governs QUEUE_FULL.
const submitQueueDepth = 4096

type submission struct {
	payload []byte
	notify  NotifyFunc
}

// Node is the embedding surface of component H: construct one per
// process, Submit commands into it, and either let it autoTick or drive
// Tick externally for deterministic tests.
type Node struct {
	log *zap.Logger
	cfg Config

	core *Core
	tr   *transport.Transport

	submitCh  chan submission
	doneCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Node bound to self, wires it to peerAddrs, loads any
// existing dump file, and — unless cfg.AutoTick is false — starts the
// internal ticking goroutine. The caller must eventually call Destroy.
func New(log *zap.Logger, self NodeAddress, peerAddrs []NodeAddress, cfg Config, sm statemachine.StateMachine, marshal statemachine.Marshaler) (*Node, error) {
	tr := transport.New(log, self, peerAddrs, cfg.transportConfig())
	jr := journal.New(log, cfg.FullDumpFile)
	core := NewCore(log, self, peerAddrs, cfg, jr, sm, marshal, tr)

	depth := submitQueueDepth
	if cfg.CommandsQueueSize > depth {
		depth = cfg.CommandsQueueSize
	}
	n := &Node{
		log:      log.Named("node"),
		cfg:      cfg,
		core:     core,
		tr:       tr,
		submitCh: make(chan submission, depth),
		doneCh:   make(chan struct{}),
	}

	if err := core.Bootstrap(time.Now()); err != nil {
		return nil, err
	}
	if err := tr.Start(); err != nil {
		return nil, err
	}

	if cfg.AutoTick {
		n.wg.Add(1)
		go n.autoTick()
	}

	return n, nil
}

func (n *Node) autoTick() {
	defer n.wg.Done()
	for {
		select {
		case <-n.doneCh:
			return
		default:
		}
		if err := n.Tick(autoTickInterval); err != nil {
			n.log.Error("node halted, stopping autoTick", zap.Error(err))
			return
		}
	}
}

// Submit enqueues an opaque command payload for replication. notify, if
// non-nil, is invoked at most once with the outcome (§4.4.8, §7); a
// submission forwarded to a leader that never sends back a
// MsgForwardResponse is not resolved. Safe to call from any goroutine.
func (n *Node) Submit(payload []byte, notify NotifyFunc) {
	select {
	case n.submitCh <- submission{payload: payload, notify: notify}:
	default:
		if notify != nil {
			notify(nil, QueueFull)
		}
	}
}

// Destroy stops autoTick (if running), tears down the transport, and
// waits for internal goroutines to exit. Safe to call more than once.
func (n *Node) Destroy() {
	n.closeOnce.Do(func() {
		close(n.doneCh)
		n.tr.Close()
		n.wg.Wait()
	})
}

// EncodeCommand is a convenience wrapper around the configured
// Marshaler, for embedders that want to build a Submit payload from a
// method ID and argument bytes rather than rolling their own encoding.
func (n *Node) EncodeCommand(methodID uint32, args []byte) ([]byte, error) {
	return n.core.marshal.Encode(methodID, args)
}

// Role, Leader, SelfAddr, CurrentTerm, CommitIndex, LastApplied, LogSize,
// Halted, and HaltError mirror Core's read-only observability surface
// (§6) for embedders that only hold a *Node.
func (n *Node) Role() Role            { return n.core.Role() }
func (n *Node) Leader() NodeAddress   { return n.core.Leader() }
func (n *Node) SelfAddr() NodeAddress { return n.core.SelfAddr() }
func (n *Node) CurrentTerm() int64    { return n.core.CurrentTerm() }
func (n *Node) CommitIndex() int64    { return n.core.CommitIndex() }
func (n *Node) LastApplied() int64    { return n.core.LastApplied() }
func (n *Node) LogSize() int          { return n.core.LogSize() }
func (n *Node) Halted() bool          { return n.core.Halted() }
func (n *Node) HaltError() error      { return n.core.HaltError() }
