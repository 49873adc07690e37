package transport

import (
	"net"
	"testing"
	"time"

	"github.com/aetherflow/qutp/internal/quantum/protocol"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, err := Bind("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Bind server: %v", err)
	}
	defer server.Close()

	client, err := Dial("udp", server.LocalAddr().String(), nil)
	if err != nil {
		t.Fatalf("Dial client: %v", err)
	}
	defer client.Close()

	pkt := NewPacket(protocol.TypeSyn, 42, 1, 0, []byte("hello"))
	if err := client.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := server.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if got.Header.ConnID != 42 {
		t.Errorf("ConnID mismatch: got %d, want 42", got.Header.ConnID)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("Payload mismatch: got %q, want %q", got.Payload, "hello")
	}
	if got.Addr == nil {
		t.Error("expected Addr to be populated on an inbound packet")
	}
}

func TestRecvTimeout(t *testing.T) {
	server, err := Bind("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer server.Close()

	_, err = server.Recv(10 * time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	netErr, ok := err.(net.Error)
	if !ok || !netErr.Timeout() {
		t.Errorf("expected a net.Error with Timeout() == true, got %v", err)
	}
}

func TestSendRequiresPeer(t *testing.T) {
	c, err := Bind("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer c.Close()

	pkt := NewPacket(protocol.TypeData, 1, 1, 0, nil)
	if err := c.Send(pkt); err == nil {
		t.Fatal("expected Send to fail without a configured peer")
	}
}

func TestPacketPoolReset(t *testing.T) {
	pool := NewPacketPool()

	pkt := pool.Get()
	pkt.Header = protocol.NewHeader(protocol.TypeData, 1, 1, 0)
	pkt.Payload = append(pkt.Payload, 1, 2, 3)
	pool.Put(pkt)

	again := pool.Get()
	if again.Header != nil {
		t.Error("expected Header to be cleared on Get")
	}
	if len(again.Payload) != 0 {
		t.Errorf("expected Payload to be reset to length 0, got %d", len(again.Payload))
	}
}
