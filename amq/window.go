package amq

import "context"

// Window is the one-sided RMA substrate this package builds on. It is an
// external collaborator: amq neither implements nor validates it, only
// drives it through this interface. A conforming implementation must
// guarantee that FetchAdd, Replace, Read, and Put are each atomic against one
// another when they target the same (peer, offset) pair, and that
// RemoteFlush establishes a happens-before edge between every op this
// participant previously issued against a peer and any op that peer
// subsequently issues against its own window.
//
// All offsets are byte offsets into the addressed peer's exposed window;
// amq never interprets them as anything but opaque addresses into the
// layout it computed itself (see amq.go).
type Window interface {
	// FetchAdd atomically adds delta to the signed 64-bit word at offset in
	// peer's window and returns the value observed before the add.
	FetchAdd(ctx context.Context, peer int, offset int64, delta int64) (prev int64, err error)

	// Replace atomically stores val at offset in peer's window and returns
	// the value observed before the store.
	Replace(ctx context.Context, peer int, offset int64, val int64) (prev int64, err error)

	// Read is a no-op atomic fetch: it returns the current value at offset
	// without modifying it, using the same atomicity guarantee as FetchAdd
	// and Replace against concurrent writers of that word.
	Read(ctx context.Context, peer int, offset int64) (val int64, err error)

	// Put writes data into peer's window starting at offset. It carries no
	// ordering guarantee with respect to other ops on its own; callers that
	// need visibility ordering must follow it with RemoteFlush.
	Put(ctx context.Context, peer int, offset int64, data []byte) error

	// LocalFlush acknowledges that all locally-issued ops so far have been
	// issued (their effects may not yet be visible at the target); it makes
	// the result of a prior FetchAdd/Replace available to the local caller.
	LocalFlush(ctx context.Context) error

	// RemoteFlush acknowledges that all ops previously issued by this
	// participant against peer are now visible to peer's own subsequent
	// ops, establishing the happens-before edge the protocol relies on.
	RemoteFlush(ctx context.Context, peer int) error

	// LocalData returns a byte slice backed by this participant's own
	// window memory, starting at offset and extending for length bytes. It
	// exists because a participant's own window is ordinary local memory,
	// not remote memory: the owner never needs an RMA round trip to read
	// or write it, only a plain memory access.
	LocalData(offset int64, length int64) []byte

	// LocalInt64 returns a pointer into this participant's own window
	// memory, interpreted as a signed 64-bit control word. Used for the
	// owner-local reads the spec calls out as not needing atomics (e.g.
	// reading its own `active`).
	LocalInt64(offset int64) *int64

	// Rank returns this participant's own rank within its Group.
	Rank() int
}

// Group resolves peers and provides the non-blocking barrier quiescence is
// built from. Like Window, it is an external collaborator: amq consumes it
// only through this interface and never implements rank/group lookup
// itself.
type Group interface {
	// Rank returns this participant's rank.
	Rank() int

	// Size returns the number of participants in the group.
	Size() int

	// BarrierBegin starts a non-blocking collective barrier and returns a
	// handle that can be polled for completion without blocking.
	BarrierBegin(ctx context.Context) (BarrierHandle, error)

	// Barrier performs a blocking collective barrier.
	Barrier(ctx context.Context) error
}

// BarrierHandle polls a non-blocking barrier started by Group.BarrierBegin.
type BarrierHandle interface {
	// Poll reports whether the barrier has completed. It never blocks.
	Poll(ctx context.Context) (done bool, err error)
}
