package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ywng/raft/transport"
)

// drainPoller implements tick step 1/3 of §4.5: wait up to maxWait for the
// first event from the transport or the submission queue, then keep
// draining whatever else is already available without blocking further.
// This is the engine's Go-idiomatic stand-in for the teacher's
// channel-multiplexed dispatch loop (AppendChan/VoteChan/... consumed by
// one goroutine) generalized to transport.Transport's two channels plus
// submission.
func (n *Node) drainPoller(maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	first := true
	for {
		var timeoutCh <-chan time.Time
		if first && maxWait > 0 {
			timeoutCh = time.After(time.Until(deadline))
		}
		select {
		case msg := <-n.tr.Inbox():
			n.dispatchInbound(msg, time.Now())
		case ev := <-n.tr.Events():
			n.dispatchPeerEvent(ev, time.Now())
		case s := <-n.submitCh:
			n.core.Submit(s.payload, s.notify)
		case <-timeoutCh:
			return
		default:
			if !first {
				return
			}
			if timeoutCh != nil {
				// Nothing ready yet: block until an event arrives or maxWait elapses.
				select {
				case msg := <-n.tr.Inbox():
					n.dispatchInbound(msg, time.Now())
				case ev := <-n.tr.Events():
					n.dispatchPeerEvent(ev, time.Now())
				case s := <-n.submitCh:
					n.core.Submit(s.payload, s.notify)
				case <-timeoutCh:
					return
				}
			}
		}
		first = false
	}
}

// dispatchInbound decodes one wire envelope and routes it to the matching
// Core handler (component F), sending any reply the protocol requires
// back out over the transport.
func (n *Node) dispatchInbound(msg transport.InboundMessage, now time.Time) {
	e, err := decodeEnvelope(msg.Body)
	if err != nil {
		n.log.Warn("dropping malformed inbound message", zap.String("from", string(msg.From)), zap.Error(err))
		return
	}

	switch e.Kind {
	case MsgRequestVote:
		reply := n.core.HandleRequestVote(*e.RequestVote, now)
		n.core.send(msg.From, envelope{Kind: MsgRequestVoteResponse, RequestVoteResponse: &reply})
	case MsgRequestVoteResponse:
		n.core.HandleRequestVoteResponse(msg.From, *e.RequestVoteResponse, now)
	case MsgAppendEntries:
		reply := n.core.HandleAppendEntries(*e.AppendEntries, now)
		n.core.send(msg.From, envelope{Kind: MsgAppendEntriesResponse, AppendEntriesResp: &reply})
	case MsgAppendEntriesResponse:
		n.core.HandleAppendEntriesResponse(msg.From, *e.AppendEntriesResp, now)
	case MsgInstallSnapshot:
		reply := n.core.HandleInstallSnapshot(*e.InstallSnapshot, now)
		n.core.send(msg.From, envelope{Kind: MsgInstallSnapshotResponse, InstallSnapshotResp: &reply})
	case MsgInstallSnapshotResponse:
		n.core.HandleInstallSnapshotResponse(msg.From, *e.InstallSnapshotResp, now)
	case MsgForwardCommand:
		n.core.HandleForwardCommand(msg.From, *e.ForwardCommand)
	case MsgForwardResponse:
		n.core.HandleForwardResponse(*e.ForwardResponse)
	default:
		n.log.Warn("dropping inbound message of unknown kind", zap.Int("kind", int(e.Kind)))
	}
}

func (n *Node) dispatchPeerEvent(ev transport.PeerEvent, now time.Time) {
	if ev.Connected {
		n.core.HandlePeerReconnected(ev.Peer, now)
	}
}

// Tick runs one pass of the scheduler of §4.5: drain transport and
// submission events (bounded by maxWait), advance timers, dispatch
// replication and apply, and evaluate compaction. It returns the halt
// error once a fatal invariant violation has stopped the node.
func (n *Node) Tick(maxWait time.Duration) error {
	if n.core.Halted() {
		return n.core.HaltError()
	}

	n.drainPoller(maxWait)

	now := time.Now()
	n.tr.CheckIdleConnections(now)
	if n.core.ElectionTimeoutElapsed(now) {
		n.core.StartElection(now)
	}
	n.core.ReplicatePeers(now)
	n.core.ApplyCommitted(now)

	if n.core.Halted() {
		return n.core.HaltError()
	}
	return nil
}
