package amq

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ProcessBlocking is the quiescence operation: it flushes every
// pending send cache, then alternates draining this inbox with polling a
// non-blocking group barrier, and finally performs one more drain and a
// synchronous barrier before returning. When it returns, every message sent
// by any participant prior to that participant's own call to
// ProcessBlocking has been delivered and its handler has run to completion.
func (ib *Inbox) ProcessBlocking(ctx context.Context) error {
	if err := ib.flushAllCaches(ctx); err != nil {
		return err
	}

	handle, err := ib.group.BarrierBegin(ctx)
	if err != nil {
		return newSubstrateErr("ProcessBlocking: barrier begin", err)
	}

	bo := ib.newSpinBackoff()
	for {
		if err := ib.drainBlocking(ctx); err != nil {
			return err
		}

		done, err := handle.Poll(ctx)
		if err != nil {
			return newSubstrateErr("ProcessBlocking: barrier poll", err)
		}
		if done {
			break
		}

		if err := ib.pace(ctx, bo); err != nil {
			return err
		}
	}

	// Absorb anything deposited between the last drain and the barrier's
	// completion.
	if err := ib.drainBlocking(ctx); err != nil {
		return err
	}

	if err := ib.group.Barrier(ctx); err != nil {
		return newSubstrateErr("ProcessBlocking: final barrier", err)
	}

	return nil
}

// flushAllCaches drains every peer's send cache concurrently, fanning out
// one goroutine per peer. Each peer's cache still serializes on its own
// mutex inside flushCacheLocked.
func (ib *Inbox) flushAllCaches(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for target := range ib.caches {
		target := target
		g.Go(func() error {
			c, err := ib.cacheFor(target)
			if err != nil {
				return err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			return ib.flushCacheLocked(ctx, c)
		})
	}
	return g.Wait()
}
