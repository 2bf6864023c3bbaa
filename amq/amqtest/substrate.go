// Package amqtest provides an in-memory implementation of amq.Window and
// amq.Group, suitable for unit tests and the cmd/amqdemo CLI. It models the
// RMA substrate's contract faithfully (each participant's window is plain
// memory local to the process, atomic ops are real CPU atomics, "remote"
// flush is a no-op since there is no network to reorder across) without
// needing any actual one-sided hardware.
package amqtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/yanet-platform/amq/amq"
)

// Substrate hosts every participant's window memory and the group-wide
// barrier they rendezvous on. Create one with NewSubstrate, then call
// Window and Group for each participant's rank.
type Substrate struct {
	windows []*participantWindow
	barrier *cyclicBarrier
}

// NewSubstrate allocates a Substrate for size participants, each exposing a
// window of windowSize bytes (see amq.RequiredWindowSize).
func NewSubstrate(size int, windowSize int64) *Substrate {
	if size <= 0 {
		panic("amqtest: substrate size must be positive")
	}
	if windowSize <= 0 || windowSize%8 != 0 {
		panic("amqtest: windowSize must be a positive multiple of 8")
	}

	s := &Substrate{
		windows: make([]*participantWindow, size),
		barrier: newCyclicBarrier(size),
	}
	for i := range s.windows {
		s.windows[i] = &participantWindow{
			rank: i,
			mem:  make([]byte, windowSize),
		}
	}
	return s
}

// Size returns the number of participants.
func (s *Substrate) Size() int { return len(s.windows) }

// Window returns the amq.Window view for participant rank: operations
// issued against it target the other participants' memory directly.
func (s *Substrate) Window(rank int) *Handle {
	s.mustRank(rank)
	return &Handle{sub: s, rank: rank}
}

// Group returns the amq.Group view for participant rank, sharing this
// substrate's barrier with every other participant's Group view.
func (s *Substrate) Group(rank int) *GroupHandle {
	s.mustRank(rank)
	return &GroupHandle{sub: s, rank: rank}
}

func (s *Substrate) mustRank(rank int) {
	if rank < 0 || rank >= len(s.windows) {
		panic(fmt.Sprintf("amqtest: rank %d out of range for substrate of size %d", rank, len(s.windows)))
	}
}

// participantWindow is one participant's raw window memory.
type participantWindow struct {
	rank int
	mem  []byte
}

func (w *participantWindow) word(offset int64) *int64 {
	return (*int64)(unsafe.Pointer(&w.mem[offset]))
}

// Handle is the amq.Window implementation bound to one participant.
type Handle struct {
	sub  *Substrate
	rank int
}

var (
	_ amq.Window        = (*Handle)(nil)
	_ amq.Group         = (*GroupHandle)(nil)
	_ amq.BarrierHandle = (*BarrierHandle)(nil)
)

func (h *Handle) FetchAdd(_ context.Context, peer int, offset int64, delta int64) (int64, error) {
	w := h.sub.windows[peer]
	return atomic.AddInt64(w.word(offset), delta) - delta, nil
}

func (h *Handle) Replace(_ context.Context, peer int, offset int64, val int64) (int64, error) {
	w := h.sub.windows[peer]
	return atomic.SwapInt64(w.word(offset), val), nil
}

func (h *Handle) Read(_ context.Context, peer int, offset int64) (int64, error) {
	w := h.sub.windows[peer]
	return atomic.LoadInt64(w.word(offset)), nil
}

func (h *Handle) Put(_ context.Context, peer int, offset int64, data []byte) error {
	w := h.sub.windows[peer]
	copy(w.mem[offset:offset+int64(len(data))], data)
	return nil
}

func (h *Handle) LocalFlush(_ context.Context) error { return nil }

func (h *Handle) RemoteFlush(_ context.Context, _ int) error { return nil }

func (h *Handle) LocalData(offset int64, length int64) []byte {
	w := h.sub.windows[h.rank]
	return w.mem[offset : offset+length]
}

func (h *Handle) LocalInt64(offset int64) *int64 {
	return h.sub.windows[h.rank].word(offset)
}

func (h *Handle) Rank() int { return h.rank }

// GroupHandle is the amq.Group implementation bound to one participant.
type GroupHandle struct {
	sub  *Substrate
	rank int
}

func (g *GroupHandle) Rank() int { return g.rank }

func (g *GroupHandle) Size() int { return g.sub.Size() }

func (g *GroupHandle) BarrierBegin(_ context.Context) (amq.BarrierHandle, error) {
	return &BarrierHandle{done: g.sub.barrier.arrive()}, nil
}

func (g *GroupHandle) Barrier(ctx context.Context) error {
	ch := g.sub.barrier.arrive()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// BarrierHandle polls the non-blocking barrier this participant entered.
type BarrierHandle struct {
	done <-chan struct{}
}

func (h *BarrierHandle) Poll(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-h.done:
		return true, nil
	default:
		return false, nil
	}
}

// cyclicBarrier is a reusable rendezvous point for a fixed number of
// parties, modeled as a generation counter: once `parties` goroutines have
// arrived, the generation's channel is closed (waking every waiter) and a
// fresh channel is installed for the next generation.
type cyclicBarrier struct {
	mu      sync.Mutex
	parties int
	count   int
	done    chan struct{}
}

func newCyclicBarrier(parties int) *cyclicBarrier {
	return &cyclicBarrier{parties: parties, done: make(chan struct{})}
}

func (b *cyclicBarrier) arrive() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.done
	b.count++
	if b.count == b.parties {
		close(b.done)
		b.count = 0
		b.done = make(chan struct{})
	}
	return ch
}
