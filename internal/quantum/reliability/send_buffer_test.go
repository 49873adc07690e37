package reliability

import (
	"testing"

	"github.com/aetherflow/qutp/internal/quantum/protocol"
	"github.com/aetherflow/qutp/internal/quantum/transport"
)

func makeDataPacket(seqNr uint16, payload string) *transport.Packet {
	return transport.NewPacket(protocol.TypeData, 1, seqNr, 0, []byte(payload))
}

func TestSendWindowEnqueueAndAck(t *testing.T) {
	w := NewSendWindow()

	p1 := makeDataPacket(1, "hello")
	p2 := makeDataPacket(2, "world")
	w.EnqueueSent(p1, 100)
	w.EnqueueSent(p2, 200)

	if w.Len() != 2 {
		t.Fatalf("expected 2 in-flight packets, got %d", w.Len())
	}
	want := p1.Len() + p2.Len()
	if w.CurrWindow() != want {
		t.Errorf("curr_window mismatch: got %d, want %d", w.CurrWindow(), want)
	}

	acked := w.CumulativeAck(1)
	if acked != p1.Len() {
		t.Errorf("bytes acked mismatch: got %d, want %d", acked, p1.Len())
	}
	if w.Len() != 1 {
		t.Errorf("expected 1 packet remaining after cumulative ack, got %d", w.Len())
	}
	if w.CurrWindow() != p2.Len() {
		t.Errorf("curr_window mismatch after ack: got %d, want %d", w.CurrWindow(), p2.Len())
	}
}

func TestSendWindowCumulativeAckRemovesPrefix(t *testing.T) {
	w := NewSendWindow()
	for seq := uint16(1); seq <= 5; seq++ {
		w.EnqueueSent(makeDataPacket(seq, "x"), uint32(seq))
	}

	w.CumulativeAck(3)
	if w.Len() != 2 {
		t.Fatalf("expected packets 4 and 5 to remain, got %d entries", w.Len())
	}
	if w.Find(1) != nil || w.Find(3) != nil {
		t.Error("expected acknowledged packets to be gone from the window")
	}
	if w.Find(4) == nil || w.Find(5) == nil {
		t.Error("expected packets after the cumulative ack point to remain")
	}
}

func TestSendWindowCumulativeAckUnknownIsNoOp(t *testing.T) {
	w := NewSendWindow()
	w.EnqueueSent(makeDataPacket(1, "x"), 1)

	if acked := w.CumulativeAck(99); acked != 0 {
		t.Errorf("expected no-op ack for unknown sequence number, got %d bytes acked", acked)
	}
	if w.Len() != 1 {
		t.Errorf("expected the window to be unchanged, got %d entries", w.Len())
	}
}

func TestSendWindowInFlightAfterWithWraparound(t *testing.T) {
	w := NewSendWindow()
	w.EnqueueSent(makeDataPacket(65534, "a"), 1)
	w.EnqueueSent(makeDataPacket(65535, "b"), 2)
	w.EnqueueSent(makeDataPacket(0, "c"), 3)
	w.EnqueueSent(makeDataPacket(1, "d"), 4)

	after := w.InFlightAfter(65535)
	if len(after) != 2 {
		t.Fatalf("expected 2 packets after wraparound boundary 65535, got %d", len(after))
	}
	if after[0].Header.SeqNr != 0 || after[1].Header.SeqNr != 1 {
		t.Errorf("unexpected sequence numbers: %d, %d", after[0].Header.SeqNr, after[1].Header.SeqNr)
	}
}

func TestSendWindowLastSeqNr(t *testing.T) {
	w := NewSendWindow()
	if _, ok := w.LastSeqNr(); ok {
		t.Fatal("expected no last sequence number on an empty window")
	}

	w.EnqueueSent(makeDataPacket(7, "x"), 1)
	w.EnqueueSent(makeDataPacket(8, "y"), 2)

	seq, ok := w.LastSeqNr()
	if !ok || seq != 8 {
		t.Errorf("expected last sequence number 8, got %d (ok=%v)", seq, ok)
	}
}
