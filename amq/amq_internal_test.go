package amq

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, headerSize)
	want := header{handlerID: 7, senderID: 3, payloadSize: 42, msgID: 99}
	encodeHeader(buf, want)
	got := decodeHeader(buf)
	if got != want {
		t.Fatalf("decodeHeader(encodeHeader(%+v)) = %+v", want, got)
	}
}

func TestLayoutOffsets(t *testing.T) {
	const capacity = 256

	if tailOffset(0) == tailOffset(1) {
		t.Fatalf("tail[0] and tail[1] must not alias")
	}
	if readyOffset(0) == readyOffset(1) {
		t.Fatalf("ready[0] and ready[1] must not alias")
	}
	if dataOffset(0, capacity) == dataOffset(1, capacity) {
		t.Fatalf("data[0] and data[1] must not alias")
	}
	if dataOffset(1, capacity)-dataOffset(0, capacity) != capacity {
		t.Fatalf("data buffers must be exactly capacity bytes apart")
	}
	if got := windowSize(capacity); got != dataOffset(1, capacity)+capacity {
		t.Fatalf("windowSize(%d) = %d, want %d", capacity, got, dataOffset(1, capacity)+capacity)
	}
	if offsetData0 <= offsetReady1 {
		t.Fatalf("data region must follow every control field")
	}
}

func TestFrozenThresholdBelowAnyRealisticCapacity(t *testing.T) {
	const maxRealisticCapacity = 1 << 31 - 1
	if frozenThreshold > -maxRealisticCapacity {
		t.Fatalf("frozenThreshold %d is not far enough below a max capacity of %d to be unambiguous", frozenThreshold, maxRealisticCapacity)
	}
}
