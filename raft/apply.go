package raft

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ApplyCommitted implements §4.4.6: walk lastApplied forward to
// commitIndex, handing each newly committed entry to the user state
// machine and resolving any PendingCall registered at that index.
func (c *Core) ApplyCommitted(now time.Time) {
	for c.lastApplied < c.commitIndex {
		index := c.lastApplied + 1
		entry, ok := c.journal.Get(index)
		if !ok {
			c.fatal("apply ordering violation: committed entry missing from log", fmt.Errorf("index %d", index))
			return
		}

		var result []byte
		var applyErr error
		if entry.Kind == entryCommand {
			result, applyErr = c.sm.Apply(entry.Payload)
			if applyErr != nil {
				c.log.Warn("state machine rejected applied command",
					zap.Int64("index", index), zap.Error(applyErr))
			}
		}

		c.lastApplied = index
		c.pending.resolve(index, entry.Term, result, applyErr)
	}

	c.maybeCompact(now)
}

// maybeCompact runs the log-compaction check of §4.3: once the live log
// has grown past LogCompactionMinEntries and enough time has passed since
// the last compaction, snapshot the state machine and fold everything up
// to lastApplied into it.
func (c *Core) maybeCompact(now time.Time) {
	if !c.journal.CompactionDue(c.cfg.LogCompactionMinEntries, int64(c.cfg.LogCompactionMinTime), now.UnixNano()) {
		return
	}
	state, err := c.sm.Snapshot()
	if err != nil {
		c.log.Warn("state machine snapshot failed, deferring compaction", zap.Error(err))
		return
	}
	if err := c.journal.Compact(c.lastApplied, state, now.UnixNano()); err != nil {
		c.log.Warn("log compaction failed", zap.Error(err))
	}
}
