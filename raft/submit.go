package raft

import (
	"github.com/google/uuid"
)

// Submit implements §4.4.8: a leader appends the opaque payload as a new
// command entry and registers a PendingCall to be resolved once it is
// applied (or discarded). A non-leader either rejects the submission with
// NotLeader, or — when ForwardToLeader is configured — ships it to the
// best-known leader and keeps the callback keyed by a generated request
// ID until MsgForwardResponse arrives.
func (c *Core) Submit(payload []byte, notify NotifyFunc) {
	if c.halted {
		if notify != nil {
			notify(nil, RequestDenied)
		}
		return
	}

	if c.role != Leader {
		c.submitElsewhere(payload, notify)
		return
	}

	if c.cfg.CommandsQueueSize > 0 && c.pending.count() >= c.cfg.CommandsQueueSize {
		if notify != nil {
			notify(nil, QueueFull)
		}
		return
	}

	index := c.appendLocalEntry(entryCommand, payload)
	if notify != nil {
		c.pending.add(PendingCall{Index: index, Term: c.journal.CurrentTerm(), Notify: notify})
	}
}

func (c *Core) submitElsewhere(payload []byte, notify NotifyFunc) {
	if !c.cfg.ForwardToLeader || c.leader == "" {
		if notify != nil {
			notify(nil, NotLeader)
		}
		return
	}

	requestID := uuid.NewString()
	if notify != nil {
		c.forwardCalls[requestID] = notify
	}
	c.send(c.leader, envelope{
		Kind: MsgForwardCommand,
		ForwardCommand: &ForwardCommand{
			OriginAddr: c.self,
			RequestID:  requestID,
			Payload:    payload,
		},
	})
}

// HandleForwardCommand implements the leader side of a forwarded
// submission: apply the same admission logic as a direct Submit, then
// reply to the origin with the outcome instead of calling a local
// NotifyFunc.
func (c *Core) HandleForwardCommand(from NodeAddress, fc ForwardCommand) {
	if c.role != Leader {
		c.send(from, envelope{
			Kind:            MsgForwardResponse,
			ForwardResponse: &ForwardResponse{RequestID: fc.RequestID, Reason: NotLeader},
		})
		return
	}
	if c.cfg.CommandsQueueSize > 0 && c.pending.count() >= c.cfg.CommandsQueueSize {
		c.send(from, envelope{
			Kind:            MsgForwardResponse,
			ForwardResponse: &ForwardResponse{RequestID: fc.RequestID, Reason: QueueFull},
		})
		return
	}

	index := c.appendLocalEntry(entryCommand, fc.Payload)
	term := c.journal.CurrentTerm()
	c.pending.add(PendingCall{
		Index: index,
		Term:  term,
		Notify: func(result []byte, reason FailReason) {
			c.send(from, envelope{
				Kind:            MsgForwardResponse,
				ForwardResponse: &ForwardResponse{RequestID: fc.RequestID, Result: result, Reason: reason},
			})
		},
	})
}

// HandleForwardResponse resolves and removes the local callback that was
// waiting on a forwarded command's fate.
func (c *Core) HandleForwardResponse(fr ForwardResponse) {
	notify, ok := c.forwardCalls[fr.RequestID]
	if !ok {
		return
	}
	delete(c.forwardCalls, fr.RequestID)
	notify(fr.Result, fr.Reason)
}
