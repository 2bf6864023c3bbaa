// Package amq implements a one-sided, double-buffered active-message queue
// on top of an RMA substrate exposed through the Window and Group
// interfaces. Any peer may enqueue a variable-sized message carrying a
// handler identifier and an opaque payload into another participant's
// inbox without a per-message round trip; the inbox owner periodically
// drains it and invokes the named handler for each message in deposit
// order.
//
// The package does not interpret handler identifiers: it is the host's
// responsibility to agree on a handler table out of band and keep it
// consistent across all participants.
package amq

import "encoding/binary"

// word is the fixed-width control-field and header-field type used
// throughout the wire layout. Every control field (active, tail[b],
// ready[b]) and both header identifiers are this width, so a single no-CAS
// atomic op type suffices everywhere (see DESIGN.md's "field width
// unification" decision).
type word = int64

const (
	// frozenThreshold marks a tail[b] value as "this buffer is frozen, a
	// drain is in progress". The reader freezes a buffer with a single add
	// of (-observed tail + frozenThreshold), which leaves its tail at
	// frozenThreshold plus whatever reservations raced with the freeze. Any
	// writer reserving on a frozen buffer therefore gets back a large
	// negative offset, sees offset < 0, and retracts.
	frozenThreshold int64 = -1 << 31

	// headerHandlerIDSize, headerSenderIDSize: both header identifiers are
	// full words so the same atomic machinery that moves tail/ready also
	// suffices to reason about header alignment.
	headerHandlerIDSize = 8
	headerSenderIDSize  = 8
	headerPayloadSize   = 4 // uint32
	headerMsgIDSize     = 4 // uint32, always present; only populated when Options.Debug is set

	// headerSize is the fixed size of the on-wire message header preceding
	// every payload.
	headerSize = headerHandlerIDSize + headerSenderIDSize + headerPayloadSize + headerMsgIDSize
)

// control field byte offsets within an inbox window, laid out in order:
// active, tail[0], ready[0], tail[1], ready[1], data[0], data[1].
const (
	offsetActive = 0
	offsetTail0  = offsetActive + 8
	offsetReady0 = offsetTail0 + 8
	offsetTail1  = offsetReady0 + 8
	offsetReady1 = offsetTail1 + 8
	offsetData0  = offsetReady1 + 8
)

// tailOffset returns the byte offset of tail[b].
func tailOffset(b int) int64 {
	if b == 0 {
		return offsetTail0
	}
	return offsetTail1
}

// readyOffset returns the byte offset of ready[b].
func readyOffset(b int) int64 {
	if b == 0 {
		return offsetReady0
	}
	return offsetReady1
}

// dataOffset returns the byte offset of data[b][0] for an inbox whose
// per-buffer capacity is capacity bytes.
func dataOffset(b int, capacity int64) int64 {
	if b == 0 {
		return offsetData0
	}
	return offsetData0 + capacity
}

// windowSize returns the total byte size of the window an inbox with the
// given per-buffer capacity must expose.
func windowSize(capacity int64) int64 {
	return offsetData0 + 2*capacity
}

// header is the decoded form of the fixed on-wire message header.
type header struct {
	handlerID   word
	senderID    word
	payloadSize uint32
	msgID       uint32
}

// encodeHeader writes h into buf[:headerSize]. buf must have length >=
// headerSize.
func encodeHeader(buf []byte, h header) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.handlerID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.senderID))
	binary.LittleEndian.PutUint32(buf[16:20], h.payloadSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.msgID)
}

// decodeHeader reads a header from buf[:headerSize]. buf must have length
// >= headerSize.
func decodeHeader(buf []byte) header {
	return header{
		handlerID:   word(binary.LittleEndian.Uint64(buf[0:8])),
		senderID:    word(binary.LittleEndian.Uint64(buf[8:16])),
		payloadSize: binary.LittleEndian.Uint32(buf[16:20]),
		msgID:       binary.LittleEndian.Uint32(buf[20:24]),
	}
}
