package amq

import (
	"context"
	"sync"
)

// sendCache is a per-peer client-side coalescing buffer: it batches many
// small messages headed to the same target into one send_raw call. It is
// created lazily on first use and lives as long as the inbox.
type sendCache struct {
	mu     sync.Mutex
	target int
	buffer []byte
	pos    int
}

func newSendCache(target int, size int64) *sendCache {
	return &sendCache{
		target: target,
		buffer: make([]byte, size),
	}
}

// cacheFor returns the send cache for target, installing one if this is the
// first use. Installation is done with a compare-and-swap on an
// atomic.Pointer so concurrent callers racing to create the same peer's
// cache never see a torn or duplicate install, without needing a
// table-wide lock on the common path.
func (ib *Inbox) cacheFor(target int) (*sendCache, error) {
	if target < 0 || target >= len(ib.caches) {
		return nil, newInvalidArg("cacheFor", "target %d out of range for group of size %d", target, len(ib.caches))
	}
	slot := &ib.caches[target]
	if c := slot.Load(); c != nil {
		return c, nil
	}
	c := newSendCache(target, ib.cacheSize)
	if !slot.CompareAndSwap(nil, c) {
		c = slot.Load()
	}
	return c, nil
}

// BufferedSend appends a framed header+payload record to the per-target
// send cache, flushing it first if the new record would not fit. A flush
// that hits ErrTryAgain is resolved locally by running one non-blocking
// drain of this inbox (so two peers whose caches are both full can still
// make progress) and retrying; it is never surfaced to the caller.
//
// If, chronically, both ends' caches stay full and neither side ever calls
// Process or ProcessBlocking to drain what the other has already sent, this
// retry loop cannot make progress on its own. That is expected: forward
// progress in that pathological case depends on the host eventually calling
// ProcessBlocking.
func (ib *Inbox) BufferedSend(ctx context.Context, target int, handlerID int64, payload []byte) error {
	if len(payload) > int(ib.maxPayload) {
		return newInvalidArg("BufferedSend", "payload of %d bytes exceeds max_payload %d", len(payload), ib.maxPayload)
	}

	recordLen := headerSize + len(payload)
	if int64(recordLen) > ib.cacheSize {
		// Never fits the cache at all: flush whatever of this peer's cache
		// is pending, then send this one directly so the receiver still
		// observes deposit order across the boundary. The direct send goes
		// through the same local-drain retry loop as a cache flush, so a
		// transient ErrTryAgain from the receiver's buffer being momentarily
		// full is resolved here too, never surfaced to the caller.
		c, err := ib.cacheFor(target)
		if err != nil {
			return err
		}
		c.mu.Lock()
		err = ib.flushCacheLocked(ctx, c)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ib.sendRawRetrying(ctx, target, ib.frame(handlerID, payload))
	}

	c, err := ib.cacheFor(target)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if recordLen > len(c.buffer)-c.pos {
		if err := ib.flushCacheLocked(ctx, c); err != nil {
			return err
		}
	}

	encodeHeader(c.buffer[c.pos:c.pos+headerSize], header{
		handlerID:   handlerID,
		senderID:    int64(ib.group.Rank()),
		payloadSize: uint32(len(payload)),
		msgID:       ib.nextMsgID(),
	})
	copy(c.buffer[c.pos+headerSize:c.pos+recordLen], payload)
	c.pos += recordLen

	return nil
}

// flushCacheLocked sends c's buffered records via sendRaw, retrying
// ErrTryAgain by running a local non-blocking drain. c.mu must already be
// held.
func (ib *Inbox) flushCacheLocked(ctx context.Context, c *sendCache) error {
	if c.pos == 0 {
		return nil
	}
	if err := ib.sendRawRetrying(ctx, c.target, c.buffer[:c.pos]); err != nil {
		return err
	}
	c.pos = 0
	return nil
}

// sendRawRetrying runs sendRaw against target, resolving ErrTryAgain by
// draining this inbox once and retrying rather than surfacing it to the
// caller. This is the local-drain retry loop both flushCacheLocked and
// BufferedSend's oversized-payload path rely on to avoid deadlock when both
// peers' caches are full at once.
func (ib *Inbox) sendRawRetrying(ctx context.Context, target int, bytes []byte) error {
	for {
		err := ib.sendRaw(ctx, target, bytes)
		if err == nil {
			return nil
		}
		if err != ErrTryAgain {
			return err
		}
		ib.stats.retried.Add(1)
		if _, drainErr := ib.drainOnceUnlockedCaller(ctx); drainErr != nil {
			return drainErr
		}
	}
}

// drainOnceUnlockedCaller runs one non-blocking Process pass from within a
// cache-flush retry loop. It must not be called while ib.processMu is held
// by this goroutine; Process's own try-lock makes this safe to call
// regardless of whether some other goroutine is already draining.
func (ib *Inbox) drainOnceUnlockedCaller(ctx context.Context) (bool, error) {
	err := ib.Process(ctx)
	if err == ErrTryAgain {
		// Someone else is already draining; nothing more we can do here.
		return false, nil
	}
	return err == nil, err
}

// Flush pushes every non-empty per-peer send cache, in target order.
func (ib *Inbox) Flush(ctx context.Context) error {
	for target := range ib.caches {
		c, err := ib.cacheFor(target)
		if err != nil {
			return err
		}
		c.mu.Lock()
		err = ib.flushCacheLocked(ctx, c)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
