package raft

import (
	"fmt"

	"go.uber.org/zap"
)

// fatal records an invariant violation (§7): a bug that would otherwise
// make this replica diverge from the rest of the cluster. The node halts
// — it stops taking part in elections, replication, and apply — rather
// than risk correctness. Unlike the teacher's log.Fatalf, this does not
// call os.Exit: an embedded library must hand control back to its host
// process, which can inspect Node.HaltError() and decide how to react.
func (c *Core) fatal(reason string, err error) {
	if c.halted {
		return
	}
	c.halted = true
	c.haltErr = fmt.Errorf("%s: %w", reason, err)
	c.log.Error("halting node after invariant violation", zap.String("reason", reason), zap.Error(err))
}

// Halted reports whether a fatal invariant violation has stopped this
// node from making further progress.
func (c *Core) Halted() bool { return c.halted }

// HaltError returns the error that halted the node, or nil.
func (c *Core) HaltError() error { return c.haltErr }
