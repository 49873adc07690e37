package protocol

import "testing"

func TestHeaderMarshalUnmarshal(t *testing.T) {
	original := NewHeader(TypeData, 42, 100, 50)
	original.WndSize = 1500
	original.Timestamp = 123456
	original.TimestampDiff = 789
	original.Payload = []byte("hello quantum")

	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed := &Header{}
	if err := parsed.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if parsed.Type != original.Type {
		t.Errorf("Type mismatch: got %s, want %s", parsed.Type, original.Type)
	}
	if parsed.ConnID != original.ConnID {
		t.Errorf("ConnID mismatch: got %d, want %d", parsed.ConnID, original.ConnID)
	}
	if parsed.SeqNr != original.SeqNr || parsed.AckNr != original.AckNr {
		t.Errorf("Seq/Ack mismatch: got (%d,%d), want (%d,%d)",
			parsed.SeqNr, parsed.AckNr, original.SeqNr, original.AckNr)
	}
	if parsed.WndSize != original.WndSize {
		t.Errorf("WndSize mismatch: got %d, want %d", parsed.WndSize, original.WndSize)
	}
	if string(parsed.Payload) != string(original.Payload) {
		t.Errorf("Payload mismatch: got %q, want %q", parsed.Payload, original.Payload)
	}
}

func TestHeaderWithSelectiveAck(t *testing.T) {
	h := NewHeader(TypeState, 7, 10, 20)
	if err := h.AddSelectiveAck([]byte{12, 0, 0, 0}); err != nil {
		t.Fatalf("AddSelectiveAck: %v", err)
	}

	data, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed := &Header{}
	if err := parsed.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	bitmap, ok := parsed.SelectiveAck()
	if !ok {
		t.Fatal("expected a selective-ack extension")
	}
	if len(bitmap) != 4 || bitmap[0] != 12 {
		t.Errorf("bitmap mismatch: got %v", bitmap)
	}

	// bit 2 and bit 3 of byte 0 (value 12 = 0b00001100) should be set: packets
	// ack_nr+2+2 and ack_nr+2+3.
	ext := parsed.Extensions[0]
	if !ext.Bit(2) || !ext.Bit(3) {
		t.Errorf("expected bits 2 and 3 set in bitmap %v", bitmap)
	}
	if ext.Bit(0) || ext.Bit(1) || ext.Bit(4) {
		t.Errorf("expected only bits 2 and 3 set in bitmap %v", bitmap)
	}
}

func TestHeaderRejectsBadVersion(t *testing.T) {
	h := NewHeader(TypeSyn, 1, 1, 0)
	data, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data[0] = (2 << 4) | uint8(TypeSyn) // bump version

	parsed := &Header{}
	if err := parsed.Unmarshal(data); err == nil {
		t.Fatal("expected Unmarshal to reject an unsupported version")
	}
}

func TestHeaderTooSmall(t *testing.T) {
	h := &Header{}
	if err := h.Unmarshal(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected Unmarshal to reject an undersized packet")
	}
}
