package amq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Process runs one non-blocking pass of the reader protocol: if the
// processing mutex is already held by another goroutine, it returns
// ErrTryAgain immediately. Otherwise it drains at most one cycle (swap,
// freeze, dispatch) and returns.
func (ib *Inbox) Process(ctx context.Context) error {
	if !ib.processMu.TryLock() {
		return ErrTryAgain
	}
	defer ib.processMu.Unlock()

	_, err := ib.drainOnce(ctx)
	return err
}

// drainBlocking blocking-locks the processing mutex and repeats drain
// cycles until a pass finds the active buffer empty.
func (ib *Inbox) drainBlocking(ctx context.Context) error {
	ib.processMu.Lock()
	defer ib.processMu.Unlock()

	for {
		didWork, err := ib.drainOnce(ctx)
		if err != nil {
			return err
		}
		if !didWork {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// drainOnce runs the reader protocol's steps 1-9 once. It reports
// didWork=false when there was nothing to drain (tail[active] <= 0).
// Callers must already hold processMu.
func (ib *Inbox) drainOnce(ctx context.Context) (didWork bool, err error) {
	rank := ib.group.Rank()

	// Step 1: active lives in this participant's own window memory, so a
	// plain, atomically-synchronized read suffices; no RMA round trip needed.
	active := int(atomic.LoadInt64(ib.window.LocalInt64(offsetActive)))
	if active != 0 && active != 1 {
		protocolViolation(rank, -1, "active=%d is not 0 or 1", active)
	}

	// Step 2.
	tail, err := ib.window.Read(ctx, rank, tailOffset(active))
	if err != nil {
		return false, newSubstrateErr("drainOnce: read tail", err)
	}
	if tail <= 0 {
		return false, nil
	}

	other := 1 - active

	// Step 3: wait out writers that reserved space on `other` before the
	// previous swap but have not yet been accounted for.
	if err := ib.waitTailSettles(ctx, other, ib.prevTailOther[other]); err != nil {
		return false, err
	}

	// Step 4: reopen `other` for writers.
	if _, err := ib.window.Replace(ctx, rank, tailOffset(other), 0); err != nil {
		return false, newSubstrateErr("drainOnce: reset tail[other]", err)
	}
	if err := ib.window.RemoteFlush(ctx, rank); err != nil {
		return false, newSubstrateErr("drainOnce: reset tail[other] flush", err)
	}

	// Step 5: swap the active buffer.
	delta := int64(1)
	if active == 1 {
		delta = -1
	}
	prevActive, err := ib.window.FetchAdd(ctx, rank, offsetActive, delta)
	if err != nil {
		return false, newSubstrateErr("drainOnce: swap active", err)
	}
	if prevActive != int64(active) {
		protocolViolation(rank, active, "active changed concurrently: observed %d, expected %d", prevActive, active)
	}
	activeOld := active

	// Step 6: freeze the old buffer regardless of any writers still adding
	// to it concurrently.
	sub := -tail + frozenThreshold
	tailRaw, err := ib.window.FetchAdd(ctx, rank, tailOffset(activeOld), sub)
	if err != nil {
		return false, newSubstrateErr("drainOnce: freeze", err)
	}
	ib.log.Debugw("buffer swapped and frozen",
		zap.Int("rank", rank),
		zap.Int("frozen_buffer", activeOld),
		zap.Int64("tail", tail),
	)

	// Step 7: wait for every writer that had reserved space in the old
	// buffer to either complete (ready catches up) or retract (tail
	// shrinks back down), tracking tail in its "effective" (unfrozen) form.
	tailEffective := tailRaw
	bo := ib.newSpinBackoff()
	for {
		curTail, err := ib.window.Read(ctx, rank, tailOffset(activeOld))
		if err != nil {
			return false, newSubstrateErr("drainOnce: drain barrier read tail", err)
		}
		ready, err := ib.window.Read(ctx, rank, readyOffset(activeOld))
		if err != nil {
			return false, newSubstrateErr("drainOnce: drain barrier read ready", err)
		}

		tailEffective = curTail - sub
		if ready > tailEffective {
			protocolViolation(rank, activeOld, "ready=%d exceeds effective tail=%d", ready, tailEffective)
		}
		if ready == tailEffective {
			break
		}

		if err := ib.pace(ctx, bo); err != nil {
			return false, err
		}
	}
	ib.prevTailOther[activeOld] = tailEffective + sub

	// Step 8: the buffer is frozen and fully drained of in-flight writers;
	// safe to reset ready for its next life as the inactive buffer.
	if _, err := ib.window.Replace(ctx, rank, readyOffset(activeOld), 0); err != nil {
		return false, newSubstrateErr("drainOnce: reset ready", err)
	}
	if err := ib.window.RemoteFlush(ctx, rank); err != nil {
		return false, newSubstrateErr("drainOnce: reset ready flush", err)
	}

	// Step 9: decode and dispatch messages in deposit order.
	if err := ib.dispatchAll(ctx, activeOld, tailEffective); err != nil {
		return false, err
	}

	return true, nil
}

// waitTailSettles polls tail[b] until it equals want, pacing with backoff so
// a spinning drain doesn't starve writers sharing this node.
func (ib *Inbox) waitTailSettles(ctx context.Context, b int, want int64) error {
	bo := ib.newSpinBackoff()
	for {
		v, err := ib.window.Read(ctx, ib.group.Rank(), tailOffset(b))
		if err != nil {
			return newSubstrateErr("waitTailSettles", err)
		}
		if v == want {
			return nil
		}
		if err := ib.pace(ctx, bo); err != nil {
			return err
		}
	}
}

// dispatchAll decodes messages sequentially out of data[b] up to length
// bytes and invokes the dispatcher for each, in deposit order.
func (ib *Inbox) dispatchAll(ctx context.Context, b int, length int64) error {
	if length == 0 {
		return nil
	}
	data := ib.window.LocalData(dataOffset(b, ib.capacity), length)

	var pos int64
	for pos < length {
		if pos+headerSize > length {
			protocolViolation(ib.group.Rank(), b, "truncated header at offset %d (effective tail %d)", pos, length)
		}
		h := decodeHeader(data[pos : pos+headerSize])
		msgEnd := pos + headerSize + int64(h.payloadSize)
		if msgEnd > length {
			protocolViolation(ib.group.Rank(), b,
				"message at offset %d declares payload_size %d, which runs past effective tail %d",
				pos, h.payloadSize, length)
		}

		payload := data[pos+headerSize : msgEnd]
		if ib.debug {
			ib.log.Debugw("dispatching message",
				zap.Int("rank", ib.group.Rank()),
				zap.Int64("handler_id", h.handlerID),
				zap.Int64("sender_id", h.senderID),
				zap.Uint32("msg_id", h.msgID),
				zap.Uint32("payload_size", h.payloadSize),
			)
		}

		if err := ib.dispatcher.Dispatch(ctx, h.handlerID, int(h.senderID), payload); err != nil {
			return err
		}
		ib.stats.delivered.Add(1)

		pos = msgEnd
	}
	return nil
}

// newSpinBackoff builds the exponential backoff used to pace the spin-wait
// loops in drainOnce, scaled to microsecond spins appropriate for waiting
// out in-flight local writers rather than network reconnects.
func (ib *Inbox) newSpinBackoff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     ib.pollInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         20 * ib.pollInterval,
	}
	bo.Reset()
	return bo
}

// pace sleeps for bo's next interval or returns ctx.Err() if ctx is done
// first.
func (ib *Inbox) pace(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		// Unreachable: the ExponentialBackOff built by newSpinBackoff never
		// stops. Kept defensively since NextBackOff's contract allows it.
		d = ib.pollInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
