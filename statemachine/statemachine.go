// Package statemachine declares the interfaces the raft package treats as
// opaque external collaborators: the host application's replicated state,
// and the encoder used to turn a replicated method call into log payload
// bytes. The core never inspects either beyond these calls.
package statemachine

// StateMachine is the embedder's replicated object. Apply must be
// deterministic and must not block: every live replica calls it with the
// same payload, in the same order, and must reach the same returned value.
type StateMachine interface {
	// Apply decodes and executes one committed command, returning the
	// value the submitter's callback should observe.
	Apply(payload []byte) (result []byte, err error)

	// Snapshot captures the full state for compaction.
	Snapshot() ([]byte, error)

	// Restore replaces the full state, used when accepting an
	// InstallSnapshot or reloading a dump file.
	Restore(state []byte) error
}

// Marshaler turns a replicated method invocation into an opaque payload and
// back. The core stores and ships the encoded bytes without interpreting
// them; only the embedder's StateMachine.Apply and Marshaler.Decode agree on
// the schema.
type Marshaler interface {
	Encode(methodID uint32, args []byte) ([]byte, error)
	Decode(payload []byte) (methodID uint32, args []byte, err error)
}
