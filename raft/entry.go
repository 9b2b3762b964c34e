package raft

import "github.com/ywng/raft/journal"

// logEntry and entryKind alias the journal package's types so the rest of
// this package can talk about log entries without importing journal
// directly everywhere.
type logEntry = journal.Entry
type entryKind = journal.EntryKind

const (
	entryCommand = journal.EntryCommand
	entryNoOp    = journal.EntryNoOp
)
