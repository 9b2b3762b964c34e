// Package journal implements the replicated log: an in-memory live suffix
// with a durable, whole-file snapshot dump. Grounded on the teacher's
// gob-encoded persister (ywng-raft/server/raft.go: persist, Compaction) and
// generalized to the disk-durable, atomically-renamed dump file described
// in the specification (PySyncObj's fullDumpFile).
package journal

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// EntryKind distinguishes a user command from the no-op a new leader
// appends to commit prior-term entries (Raft's commitment rule).
type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryNoOp
)

// Entry is one immutable record of the replicated log.
type Entry struct {
	Index   int64
	Term    int64
	Kind    EntryKind
	Payload []byte
}

// Snapshot is a compacted capture of the user state plus the point in the
// log it replaces.
type Snapshot struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	StateBytes        []byte
}

// Dump is the whole-file, on-disk layout: {version, currentTerm, votedFor,
// snapshot, liveLog}.
type Dump struct {
	Version     int
	CurrentTerm int64
	VotedFor    string
	Snapshot    Snapshot
	LiveLog     []Entry
}

const dumpVersion = 1

// ErrCommitted is returned by TruncateSuffix when asked to drop a
// committed entry (invariant L3); the caller should treat this as fatal.
var ErrCommitted = fmt.Errorf("journal: refusing to truncate a committed entry")

// ErrDiscontinuous is returned by Append when the supplied entries do not
// start at lastIndex()+1 (invariant L1); the caller should treat this as
// fatal.
var ErrDiscontinuous = fmt.Errorf("journal: entries are not contiguous with the log")

// Journal owns the live log suffix and, when a dump path is configured,
// the durable snapshot file. It is not safe for concurrent use: per the
// single-threaded scheduling model, only the owning engine goroutine ever
// touches it.
type Journal struct {
	log      *zap.Logger
	dumpPath string

	currentTerm int64
	votedFor    string

	snapshot Snapshot
	// live holds entries with Index in [snapshot.LastIncludedIndex+1, lastIndex()].
	live []Entry

	lastCompactionAt int64 // unix nanos; 0 means "never"
}

// New constructs an empty journal. If dumpPath is non-empty and a dump
// file already exists there, the caller should follow up with Load.
func New(log *zap.Logger, dumpPath string) *Journal {
	return &Journal{log: log.Named("journal"), dumpPath: dumpPath}
}

// CurrentTerm / VotedFor are the persistent election bookkeeping fields;
// SetTermAndVote updates and (if a dump is configured) the caller is
// responsible for calling Persist to make the change durable before
// relying on it across a restart.
func (j *Journal) CurrentTerm() int64 { return j.currentTerm }
func (j *Journal) VotedFor() string   { return j.votedFor }

func (j *Journal) SetTermAndVote(term int64, votedFor string) {
	j.currentTerm = term
	j.votedFor = votedFor
}

// LastIndex returns the index of the last entry in the full log
// (snapshot + live suffix), or the snapshot's LastIncludedIndex if the
// live suffix is empty.
func (j *Journal) LastIndex() int64 {
	if n := len(j.live); n > 0 {
		return j.live[n-1].Index
	}
	return j.snapshot.LastIncludedIndex
}

// LastTerm returns the term of the last entry, or the snapshot's
// LastIncludedTerm if the live suffix is empty.
func (j *Journal) LastTerm() int64 {
	if n := len(j.live); n > 0 {
		return j.live[n-1].Term
	}
	return j.snapshot.LastIncludedTerm
}

// CompactedIndex is the highest index folded into the snapshot; entries at
// or below it are no longer present in the live suffix.
func (j *Journal) CompactedIndex() int64 { return j.snapshot.LastIncludedIndex }

// CompactedTerm is the term of the entry at CompactedIndex.
func (j *Journal) CompactedTerm() int64 { return j.snapshot.LastIncludedTerm }

// SnapshotState returns the bytes captured at the last compaction (or
// InstallSnapshot), for shipping to a lagging follower.
func (j *Journal) SnapshotState() []byte { return j.snapshot.StateBytes }

// Len is the number of entries currently held in the live suffix.
func (j *Journal) Len() int { return len(j.live) }

// Append adds entries that must be contiguous with the current log.
func (j *Journal) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	want := j.LastIndex() + 1
	if entries[0].Index != want {
		return fmt.Errorf("%w: have %d, want %d", ErrDiscontinuous, entries[0].Index, want)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("%w: gap at %d", ErrDiscontinuous, entries[i].Index)
		}
	}
	j.live = append(j.live, entries...)
	return nil
}

// TruncateSuffix drops every entry with Index >= fromIndex. It refuses to
// remove a committed entry.
func (j *Journal) TruncateSuffix(fromIndex int64, commitIndex int64) error {
	if fromIndex <= commitIndex {
		return ErrCommitted
	}
	if fromIndex <= j.CompactedIndex() {
		// Nothing live at or below the snapshot boundary to truncate.
		return nil
	}
	first := j.CompactedIndex() + 1
	if len(j.live) == 0 {
		return nil
	}
	cut := fromIndex - first
	if cut < 0 {
		cut = 0
	}
	if cut > int64(len(j.live)) {
		cut = int64(len(j.live))
	}
	j.live = j.live[:cut]
	return nil
}

// Get returns the entry at index, if it is still present in the live
// suffix (not yet compacted away, and not beyond the end of the log).
func (j *Journal) Get(index int64) (Entry, bool) {
	if index <= j.CompactedIndex() || index > j.LastIndex() {
		return Entry{}, false
	}
	first := j.CompactedIndex() + 1
	return j.live[index-first], true
}

// Range returns entries with Index in [lo, hi], inclusive, clamped to what
// is present in the live suffix.
func (j *Journal) Range(lo, hi int64) []Entry {
	if hi > j.LastIndex() {
		hi = j.LastIndex()
	}
	if lo <= j.CompactedIndex() {
		lo = j.CompactedIndex() + 1
	}
	if lo > hi {
		return nil
	}
	first := j.CompactedIndex() + 1
	out := make([]Entry, hi-lo+1)
	copy(out, j.live[lo-first:hi-first+1])
	return out
}

// TermAt returns the term of the entry at index, including the boundary
// case where index is exactly the compacted boundary.
func (j *Journal) TermAt(index int64) (int64, bool) {
	if index == 0 {
		return 0, true
	}
	if index == j.CompactedIndex() {
		return j.CompactedTerm(), true
	}
	e, ok := j.Get(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// CompactionDue reports whether the live log is long enough, and enough
// wall-clock time has passed since the last compaction, to trigger one.
func (j *Journal) CompactionDue(minEntries int, minIntervalNanos int64, nowNanos int64) bool {
	if minEntries <= 0 {
		return false
	}
	if len(j.live) < minEntries {
		return false
	}
	return nowNanos-j.lastCompactionAt >= minIntervalNanos
}

// Compact discards entries at or below lastIncludedIndex and records the
// captured state as the new snapshot. It persists the result if a dump
// path is configured.
func (j *Journal) Compact(lastIncludedIndex int64, stateBytes []byte, nowNanos int64) error {
	term, ok := j.TermAt(lastIncludedIndex)
	if !ok {
		return fmt.Errorf("journal: cannot compact at unknown index %d", lastIncludedIndex)
	}
	if lastIncludedIndex <= j.CompactedIndex() {
		return nil
	}
	first := j.CompactedIndex() + 1
	cut := lastIncludedIndex - first + 1
	if cut < 0 {
		cut = 0
	}
	if cut > int64(len(j.live)) {
		cut = int64(len(j.live))
	}
	j.live = append([]Entry(nil), j.live[cut:]...)
	j.snapshot = Snapshot{LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: term, StateBytes: stateBytes}
	j.lastCompactionAt = nowNanos
	j.log.Info("compacted log",
		zap.Int64("lastIncludedIndex", lastIncludedIndex),
		zap.Int64("lastIncludedTerm", term),
		zap.Int("liveLen", len(j.live)))
	return j.persist()
}

// InstallSnapshot replaces the whole log with a snapshot received from the
// leader (§4.4.7): the live suffix is reset to empty above
// lastIncludedIndex.
func (j *Journal) InstallSnapshot(lastIncludedIndex, lastIncludedTerm int64, stateBytes []byte) error {
	j.snapshot = Snapshot{LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm, StateBytes: stateBytes}
	j.live = nil
	return j.persist()
}

// Persist writes out {currentTerm, votedFor, snapshot, liveLog} if a dump
// path is configured. A write failure is logged and otherwise swallowed:
// per the error handling design, dump-file I/O failures degrade to
// "continue without persistence," never a surfaced error.
func (j *Journal) Persist() {
	if err := j.persist(); err != nil {
		j.log.Warn("failed to persist dump file; continuing without durability", zap.Error(err))
	}
}

func (j *Journal) persist() error {
	if j.dumpPath == "" {
		return nil
	}
	dump := Dump{
		Version:     dumpVersion,
		CurrentTerm: j.currentTerm,
		VotedFor:    j.votedFor,
		Snapshot:    j.snapshot,
		LiveLog:     j.live,
	}
	return writeDumpAtomic(j.dumpPath, dump)
}

// Load restores {currentTerm, votedFor, snapshot, liveLog} from the
// configured dump path. Absence of a file, or a corrupted partial file
// with no good backup, is not an error: the journal simply starts empty
// and the cluster catches the node up.
func (j *Journal) Load() error {
	if j.dumpPath == "" {
		return nil
	}
	dump, err := readDump(j.dumpPath)
	if err != nil {
		if bak, bakErr := readDump(backupPath(j.dumpPath)); bakErr == nil {
			j.log.Warn("primary dump file unreadable, restored from backup", zap.Error(err))
			dump = bak
		} else {
			j.log.Warn("no usable dump file found, starting with an empty journal", zap.Error(err))
			return nil
		}
	}
	j.currentTerm = dump.CurrentTerm
	j.votedFor = dump.VotedFor
	j.snapshot = dump.Snapshot
	j.live = dump.LiveLog
	return nil
}

func backupPath(path string) string { return path + ".bak" }

func writeDumpAtomic(path string, dump Dump) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(dump); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Keep the previous good dump as a backup before replacing it, so a
	// crash mid-rename still leaves one recoverable copy.
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, backupPath(path))
	}
	return os.Rename(tmpName, path)
}

func readDump(path string) (Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dump{}, err
	}
	var dump Dump
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&dump); err != nil {
		return Dump{}, err
	}
	return dump, nil
}
