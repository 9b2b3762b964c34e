// Package raft implements an embeddable, single-threaded replicated state
// machine: leader election, log replication, snapshotting, and command
// submission over a custom TCP transport (see the transport package).
package raft
