package raft

// NotifyFunc is invoked exactly once when a submitted command's fate is
// known: either applied (Success, with the state machine's return value)
// or resolved unsuccessfully (any other FailReason, with a nil result).
type NotifyFunc func(result []byte, reason FailReason)

// PendingCall tracks one submitted command from append to notification.
type PendingCall struct {
	Index  int64
	Term   int64
	Notify NotifyFunc
}

// pendingTable indexes PendingCalls by log index.
type pendingTable struct {
	byIndex map[int64]PendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{byIndex: make(map[int64]PendingCall)}
}

func (p *pendingTable) add(call PendingCall) {
	if call.Notify == nil {
		return
	}
	p.byIndex[call.Index] = call
}

// count is the number of calls awaiting resolution, used to bound the
// leader's in-flight command queue.
func (p *pendingTable) count() int { return len(p.byIndex) }

// resolve settles the PendingCall registered at index, if any, once that
// index has been applied. entryTerm is the term actually recorded in the
// log at index: if it no longer matches the term the caller submitted
// under, the entry the caller cares about was overwritten by a later
// leader and the call is resolved NotLeader rather than Success.
func (p *pendingTable) resolve(index, entryTerm int64, result []byte, applyErr error) {
	call, ok := p.byIndex[index]
	if !ok {
		return
	}
	delete(p.byIndex, index)
	switch {
	case call.Term != entryTerm:
		call.Notify(nil, NotLeader)
	case applyErr != nil:
		call.Notify(nil, RequestDenied)
	default:
		call.Notify(result, Success)
	}
}

// discardAll fires every remaining pending call, used when a leader steps
// down; Node.Destroy does not call it, so calls still pending at shutdown
// are not resolved. A follower never holds pending calls, so truncating a
// log suffix never needs a narrower per-index discard.
func (p *pendingTable) discardAll(reason FailReason) {
	for idx, call := range p.byIndex {
		delete(p.byIndex, idx)
		call.Notify(nil, reason)
	}
}
