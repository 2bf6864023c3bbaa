package amq

import (
	"context"

	"go.uber.org/zap"
)

// TrySend enqueues a single message at target without using the send
// cache. It returns ErrTryAgain if target's active buffer cannot currently
// accept the message (full, or being drained); the caller decides whether
// to retry immediately, back off, or give up.
func (ib *Inbox) TrySend(ctx context.Context, target int, handlerID int64, payload []byte) error {
	if len(payload) > int(ib.maxPayload) {
		return newInvalidArg("TrySend", "payload of %d bytes exceeds max_payload %d", len(payload), ib.maxPayload)
	}
	if target < 0 || target >= len(ib.caches) {
		return newInvalidArg("TrySend", "target %d out of range for group of size %d", target, len(ib.caches))
	}

	return ib.sendRaw(ctx, target, ib.frame(handlerID, payload))
}

// frame encodes handlerID and payload into a single header+payload buffer
// ready for sendRaw.
func (ib *Inbox) frame(handlerID int64, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, header{
		handlerID:   handlerID,
		senderID:    int64(ib.group.Rank()),
		payloadSize: uint32(len(payload)),
		msgID:       ib.nextMsgID(),
	})
	copy(buf[headerSize:], payload)
	return buf
}

// sendRaw runs the writer protocol against target with an already framed
// header+payload buffer. bytes is treated as opaque; sendRaw neither
// inspects nor validates its contents beyond its length.
func (ib *Inbox) sendRaw(ctx context.Context, target int, bytes []byte) error {
	length := int64(len(bytes))
	if length < headerSize || length > ib.capacity {
		return newInvalidArg("sendRaw", "message of %d bytes must be within [%d, %d]", length, headerSize, ib.capacity)
	}

	ib.stats.sent.Add(1)

	// Step 1: learn which buffer is currently accepting writes.
	active, err := ib.window.Read(ctx, target, offsetActive)
	if err != nil {
		return newSubstrateErr("sendRaw: read active", err)
	}
	if active != 0 && active != 1 {
		protocolViolation(target, -1, "active=%d is not 0 or 1", active)
	}

	// Step 2: reserve space by fetch-and-add on tail[active].
	offset, err := ib.window.FetchAdd(ctx, target, tailOffset(int(active)), length)
	if err != nil {
		return newSubstrateErr("sendRaw: reserve", err)
	}
	if err := ib.window.LocalFlush(ctx); err != nil {
		return newSubstrateErr("sendRaw: local flush", err)
	}

	// Step 3: outcome check. A reservation can fail either because the
	// buffer is full or because the owner has frozen it for draining (tail
	// pushed large-negative); both look the same from here: the reservation
	// lands outside [0, capacity].
	if offset < 0 || offset+length > ib.capacity {
		if _, err := ib.window.FetchAdd(ctx, target, tailOffset(int(active)), -length); err != nil {
			return newSubstrateErr("sendRaw: retract", err)
		}
		if err := ib.window.RemoteFlush(ctx, target); err != nil {
			return newSubstrateErr("sendRaw: retract flush", err)
		}
		ib.stats.tryAgain.Add(1)
		ib.log.Debugw("reservation retracted",
			zap.Int("target", target),
			zap.Int64("buffer", active),
			zap.Int64("offset", offset),
		)
		return ErrTryAgain
	}

	// Step 4: deposit the payload into the reserved byte range.
	if err := ib.window.Put(ctx, target, dataOffset(int(active), ib.capacity)+offset, bytes); err != nil {
		return newSubstrateErr("sendRaw: put", err)
	}
	if err := ib.window.RemoteFlush(ctx, target); err != nil {
		return newSubstrateErr("sendRaw: put flush", err)
	}

	// Step 5: publish completion.
	if _, err := ib.window.FetchAdd(ctx, target, readyOffset(int(active)), length); err != nil {
		return newSubstrateErr("sendRaw: publish", err)
	}
	if err := ib.window.RemoteFlush(ctx, target); err != nil {
		return newSubstrateErr("sendRaw: publish flush", err)
	}

	return nil
}
