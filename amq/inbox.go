package amq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

// Inbox is one participant's double-buffered active-message queue. It is
// created collectively across a Group and exposes itself to every peer
// through a Window; any peer may enqueue a message via TrySend or
// BufferedSend, and the owner drains it by calling Process or
// ProcessBlocking.
//
// An Inbox is safe for concurrent use: many goroutines may call
// TrySend/BufferedSend/Flush concurrently, and at most one goroutine at a
// time actually runs the drain (others calling Process concurrently get
// ErrTryAgain instead of blocking).
type Inbox struct {
	window     Window
	group      Group
	dispatcher Dispatcher
	log        *zap.SugaredLogger

	maxPayload   int64
	msgCount     int
	capacity     int64
	cacheSize    int64
	debug        bool
	pollInterval time.Duration

	processMu sync.Mutex
	// prevTailOther[b] is the value the reader expects buffer b's tail to
	// carry when it next waits out in-flight writers to it. Only ever
	// touched while processMu is held.
	prevTailOther [2]int64

	msgIDCounter atomic.Uint32

	caches []atomic.Pointer[sendCache]

	stats statCounters

	closed atomic.Bool
}

// Open creates an inbox collectively across group, exposed through window.
// maxPayload bounds the size of a single message's payload; msgCount sizes
// each of the two buffers to hold that many maximum-size messages. dispatch
// is consulted once per drained message.
//
// Open blocks on a group barrier so that no participant begins sending
// before every participant's inbox is ready.
func Open(
	ctx context.Context,
	group Group,
	window Window,
	dispatcher Dispatcher,
	maxPayload datasize.ByteSize,
	msgCount int,
	opts Options,
) (*Inbox, error) {
	if maxPayload == 0 {
		return nil, newInvalidArg("Open", "max_payload must be positive")
	}
	if maxPayload > 1<<32-1-headerSize {
		return nil, newInvalidArg("Open", "max_payload %d does not fit a 32-bit payload_size field", maxPayload)
	}
	if msgCount <= 0 {
		return nil, newInvalidArg("Open", "msg_count must be positive, got %d", msgCount)
	}
	if group == nil || window == nil {
		return nil, newInvalidArg("Open", "group and window are required")
	}

	capacity := int64(msgCount) * (headerSize + int64(maxPayload))
	if capacity <= 0 || capacity > 1<<31-1 {
		return nil, newInvalidArg("Open", "capacity %d (msg_count=%d * (header+max_payload)) must fit a positive int32 range, leaving headroom below the frozen sentinel", capacity, msgCount)
	}

	opts = opts.withDefaults()

	ib := &Inbox{
		window:       window,
		group:        group,
		dispatcher:   dispatcher,
		log:          opts.Logger,
		maxPayload:   int64(maxPayload),
		msgCount:     msgCount,
		capacity:     capacity,
		cacheSize:    int64(opts.CacheSize),
		debug:        opts.Debug,
		pollInterval: opts.BarrierPollInterval,
		caches:       make([]atomic.Pointer[sendCache], group.Size()),
	}

	// Zero this participant's own control fields before the barrier below
	// makes the inbox visible to peers, regardless of whatever the Window
	// implementation handed us: a freshly created window should already be
	// zero, but Open must not depend on it.
	atomic.StoreInt64(ib.window.LocalInt64(offsetActive), 0)
	atomic.StoreInt64(ib.window.LocalInt64(offsetTail0), 0)
	atomic.StoreInt64(ib.window.LocalInt64(offsetReady0), 0)
	atomic.StoreInt64(ib.window.LocalInt64(offsetTail1), 0)
	atomic.StoreInt64(ib.window.LocalInt64(offsetReady1), 0)

	if err := group.Barrier(ctx); err != nil {
		return nil, newSubstrateErr("Open", err)
	}

	ib.log.Debugw("inbox opened",
		zap.Int("rank", group.Rank()),
		zap.Int("msg_count", msgCount),
		zap.Int64("capacity", capacity),
	)

	return ib, nil
}

// Close closes the inbox collectively. If this participant has an
// unprocessed, undelivered message sitting in its active buffer, Close
// warns but still returns nil: shutdown semantics are "refuse to run
// unscheduled handlers", not "drain everything first".
func (ib *Inbox) Close(ctx context.Context) error {
	if !ib.closed.CompareAndSwap(false, true) {
		return nil
	}

	active := atomic.LoadInt64(ib.window.LocalInt64(offsetActive))
	tail := atomic.LoadInt64(ib.window.LocalInt64(tailOffset(int(active))))
	if tail > 0 {
		ib.log.Warnw("closing inbox with undelivered messages",
			zap.Int("rank", ib.group.Rank()),
			zap.Int64("pending_bytes", tail),
		)
	}

	if err := ib.group.Barrier(ctx); err != nil {
		return newSubstrateErr("Close", err)
	}
	return nil
}

// Stats returns a snapshot of this inbox's observational counters.
func (ib *Inbox) Stats() Stats {
	return ib.stats.snapshot()
}

// Capacity returns the per-buffer capacity in bytes.
func (ib *Inbox) Capacity() int64 { return ib.capacity }

// RequiredWindowSize returns the number of bytes a Window implementation
// must expose per participant to back an inbox opened with the given
// max_payload and msg_count: the five 8-byte control fields plus both data
// buffers.
func RequiredWindowSize(maxPayload datasize.ByteSize, msgCount int) int64 {
	capacity := int64(msgCount) * (headerSize + int64(maxPayload))
	return windowSize(capacity)
}

// ControlState reads this participant's own control fields without any RMA
// round trip (they live in this participant's own window memory). It is
// purely observational: hosts can use it for logging or tests can use it to
// assert on the protocol's invariants, but nothing in the protocol depends
// on it.
func (ib *Inbox) ControlState() (active int, tail [2]int64, ready [2]int64) {
	active = int(atomic.LoadInt64(ib.window.LocalInt64(offsetActive)))
	for b := 0; b < 2; b++ {
		tail[b] = atomic.LoadInt64(ib.window.LocalInt64(tailOffset(b)))
		ready[b] = atomic.LoadInt64(ib.window.LocalInt64(readyOffset(b)))
	}
	return active, tail, ready
}

func (ib *Inbox) nextMsgID() uint32 {
	if !ib.debug {
		return 0
	}
	return ib.msgIDCounter.Add(1)
}
