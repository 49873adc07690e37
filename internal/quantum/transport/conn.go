// Package transport provides the UDP datagram plumbing a single Quantum uTP
// endpoint sits on top of: one bound socket, one peer. It knows nothing about
// sequence numbers, windows or congestion control — it only marshals packets
// onto the wire and parses them back.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/aetherflow/qutp/internal/quantum/protocol"
)

const (
	// DefaultReadBufferSize is the default size for the UDP kernel read buffer.
	DefaultReadBufferSize = 2 * 1024 * 1024

	// DefaultWriteBufferSize is the default size for the UDP kernel write buffer.
	DefaultWriteBufferSize = 2 * 1024 * 1024

	// MaxPacketSize bounds a single read: header, extensions, and payload.
	MaxPacketSize = 1500
)

// Packet is a parsed Quantum uTP packet together with the address it arrived
// from (nil for locally-built outbound packets before they are sent).
type Packet struct {
	Header  *protocol.Header
	Payload []byte
	Addr    net.Addr
}

// Len reports the on-wire length of the packet — header, extensions and
// payload — the unit the send window and congestion controller count bytes
// in.
func (p *Packet) Len() int {
	return p.Header.Size() + len(p.Payload)
}

// NewPacket builds a packet whose payload is a copy of data.
func NewPacket(t protocol.PacketType, connID, seqNr, ackNr uint16, data []byte) *Packet {
	h := protocol.NewHeader(t, connID, seqNr, ackNr)
	var payload []byte
	if len(data) > 0 {
		payload = make([]byte, len(data))
		copy(payload, data)
	}
	h.Payload = payload
	return &Packet{Header: h, Payload: payload}
}

// Conn wraps a single UDP socket for one Quantum uTP endpoint. Unlike a
// generic listener, it is scoped to exactly one peer for its entire
// lifetime: Bind doesn't know the peer yet, Dial and SetPeer fix it.
type Conn struct {
	udpConn *net.UDPConn
	peer    *net.UDPAddr

	readBuf []byte

	closed bool

	stats Statistics
}

// Statistics holds raw socket-level counters, independent of the reliability
// layer built on top.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Config contains socket-level tuning knobs.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns default socket configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
}

// Bind opens a UDP socket at the given local address without a preset peer.
// The peer is learned later, either via Dial (outbound) or from the first
// inbound Syn (inbound).
func Bind(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{
		udpConn: udpConn,
		readBuf: make([]byte, MaxPacketSize),
	}, nil
}

// Dial opens a UDP socket and fixes the peer address up front, for the
// connection initiator.
func Dial(network, address string, config *Config) (*Conn, error) {
	c, err := Bind(network, ":0", config)
	if err != nil {
		return nil, err
	}

	peer, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to resolve peer address: %w", err)
	}
	c.peer = peer

	return c, nil
}

// SetPeer fixes the address all future Send calls target. Used by the
// acceptor once it learns the peer address from an inbound Syn.
func (c *Conn) SetPeer(addr net.Addr) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		c.peer = udpAddr
	}
}

// Peer returns the currently configured peer address, or nil.
func (c *Conn) Peer() net.Addr {
	if c.peer == nil {
		return nil
	}
	return c.peer
}

// Send marshals and transmits a packet to the configured peer.
func (c *Conn) Send(pkt *Packet) error {
	if c.closed {
		return fmt.Errorf("transport: connection closed")
	}
	if c.peer == nil {
		return fmt.Errorf("transport: no peer configured")
	}

	data, err := pkt.Header.Marshal()
	if err != nil {
		c.stats.Errors++
		return fmt.Errorf("failed to marshal packet: %w", err)
	}

	n, err := c.udpConn.WriteToUDP(data, c.peer)
	if err != nil {
		c.stats.Errors++
		return fmt.Errorf("failed to send packet: %w", err)
	}

	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)

	return nil
}

// Recv blocks for at most timeout waiting for a packet. A timeout is
// reported as a net error satisfying net.Error.Timeout(), never as a
// distinguished sentinel, so callers can use errors.As/net.Error directly.
func (c *Conn) Recv(timeout time.Duration) (*Packet, error) {
	if c.closed {
		return nil, fmt.Errorf("transport: connection closed")
	}

	if err := c.udpConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, addr, err := c.udpConn.ReadFromUDP(c.readBuf)
	if err != nil {
		return nil, err
	}

	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)

	header := &protocol.Header{}
	if err := header.Unmarshal(c.readBuf[:n]); err != nil {
		c.stats.Errors++
		return nil, fmt.Errorf("failed to unmarshal packet: %w", err)
	}

	return &Packet{Header: header, Payload: header.Payload, Addr: addr}, nil
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.udpConn.LocalAddr()
}

// Statistics returns a copy of the socket-level counters.
func (c *Conn) Statistics() Statistics {
	return c.stats
}

// Close releases the underlying UDP socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.udpConn.Close()
}
