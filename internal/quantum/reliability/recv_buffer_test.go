package reliability

import "testing"

func TestRecvBufferInOrder(t *testing.T) {
	rb := NewRecvBuffer()
	ackNr := uint16(10)

	rb.Insert(11, 1, []byte("a"))
	rb.Insert(12, 2, []byte("b"))

	out := make([]byte, 16)
	n, newAck := rb.Flush(out, ackNr)

	if string(out[:n]) != "ab" {
		t.Errorf("Flush payload mismatch: got %q, want %q", out[:n], "ab")
	}
	if newAck != 12 {
		t.Errorf("ackNr mismatch: got %d, want 12", newAck)
	}
	if rb.Len() != 0 {
		t.Errorf("expected buffer to be drained, got %d entries", rb.Len())
	}
}

func TestRecvBufferOutOfOrder(t *testing.T) {
	rb := NewRecvBuffer()
	ackNr := uint16(0)

	rb.Insert(3, 1, []byte("c"))
	rb.Insert(1, 1, []byte("a"))
	rb.Insert(2, 1, []byte("b"))

	out := make([]byte, 16)
	n, newAck := rb.Flush(out, ackNr)

	if string(out[:n]) != "abc" {
		t.Errorf("Flush payload mismatch: got %q, want %q", out[:n], "abc")
	}
	if newAck != 3 {
		t.Errorf("ackNr mismatch: got %d, want 3", newAck)
	}
}

func TestRecvBufferGapStopsFlush(t *testing.T) {
	rb := NewRecvBuffer()
	ackNr := uint16(0)

	rb.Insert(1, 1, []byte("a"))
	rb.Insert(3, 1, []byte("c")) // gap: 2 is missing

	out := make([]byte, 16)
	n, newAck := rb.Flush(out, ackNr)

	if string(out[:n]) != "a" {
		t.Errorf("Flush payload mismatch: got %q, want %q", out[:n], "a")
	}
	if newAck != 1 {
		t.Errorf("ackNr mismatch: got %d, want 1", newAck)
	}
	if rb.Len() != 1 {
		t.Errorf("expected the packet after the gap to remain buffered, got %d entries", rb.Len())
	}
}

func TestRecvBufferDuplicateKeepsNewerSend(t *testing.T) {
	rb := NewRecvBuffer()

	rb.Insert(5, 10, []byte("old"))
	rb.Insert(5, 20, []byte("new"))

	if rb.Len() != 1 {
		t.Fatalf("expected exactly one entry for a duplicate sequence number, got %d", rb.Len())
	}

	out := make([]byte, 16)
	n, _ := rb.Flush(out, 4)
	if string(out[:n]) != "new" {
		t.Errorf("expected the later-sent duplicate to win, got %q", out[:n])
	}
}

func TestRecvBufferPendingTail(t *testing.T) {
	rb := NewRecvBuffer()
	rb.Insert(1, 1, []byte("hello"))

	out := make([]byte, 2)
	n, newAck := rb.Flush(out, 0)

	if n != 2 || string(out[:n]) != "he" {
		t.Fatalf("expected a partial 2-byte read, got %q", out[:n])
	}
	if newAck != 0 {
		t.Errorf("ackNr should not advance until the packet is fully consumed, got %d", newAck)
	}
	if !rb.HasPending() {
		t.Fatal("expected the unread tail to be held as pending data")
	}

	out2 := make([]byte, 16)
	n2, newAck2 := rb.Flush(out2, 0)
	if string(out2[:n2]) != "llo" {
		t.Errorf("expected the remaining tail %q, got %q", "llo", out2[:n2])
	}
	if newAck2 != 1 {
		t.Errorf("ackNr should advance to 1 once the packet is fully drained, got %d", newAck2)
	}
}

func TestSelectiveAckBitmap(t *testing.T) {
	rb := NewRecvBuffer()
	ackNr := uint16(10)

	// Packets 12 and 13 present, 11 missing: bits (12-10-2)=0 and (13-10-2)=1.
	rb.Insert(12, 1, []byte("x"))
	rb.Insert(13, 1, []byte("y"))

	bitmap := rb.SelectiveAckBitmap(ackNr)
	if len(bitmap)%4 != 0 {
		t.Fatalf("bitmap length %d is not padded to a multiple of 4", len(bitmap))
	}
	if bitmap[0] != 0b00000011 {
		t.Errorf("expected bits 0 and 1 set, got %08b", bitmap[0])
	}
}
