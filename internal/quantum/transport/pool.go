package transport

import (
	"sync"

	"github.com/aetherflow/qutp/internal/quantum/protocol"
)

// PacketPool reuses Packet values and their payload backing arrays to keep
// the single-threaded read/write loop off the GC's critical path.
type PacketPool struct {
	pool sync.Pool
}

// NewPacketPool creates an empty packet pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{
		pool: sync.Pool{
			New: func() interface{} {
				return &Packet{
					Payload: make([]byte, 0, MaxPacketSize),
				}
			},
		},
	}
}

// Get retrieves a zeroed packet from the pool.
func (p *PacketPool) Get() *Packet {
	pkt := p.pool.Get().(*Packet)
	pkt.Payload = pkt.Payload[:0]
	pkt.Header = nil
	pkt.Addr = nil
	return pkt
}

// Put returns a packet to the pool. Payloads larger than MaxPacketSize are
// dropped rather than pooled, so one oversized packet can't pin a big buffer
// in the pool forever.
func (p *PacketPool) Put(pkt *Packet) {
	if pkt == nil {
		return
	}
	pkt.Header = nil
	if cap(pkt.Payload) <= MaxPacketSize {
		pkt.Payload = pkt.Payload[:0]
		p.pool.Put(pkt)
	}
}

var globalPacketPool = NewPacketPool()

// GetPacket gets a packet from the package-global pool.
func GetPacket() *Packet {
	return globalPacketPool.Get()
}

// PutPacket returns a packet to the package-global pool.
func PutPacket(pkt *Packet) {
	globalPacketPool.Put(pkt)
}

// PooledPacket builds a packet the way NewPacket does, except its payload
// backing array comes from the package-global pool instead of a fresh
// allocation. Callers that don't retain the packet past its one Send (State
// acks, Reset replies, fast-resend requests) should PutPacket it back once
// sent; packets handed to the send window for retransmission must never be
// pooled, since PutPacket would let a later Get clobber their payload.
func PooledPacket(t protocol.PacketType, connID, seqNr, ackNr uint16, data []byte) *Packet {
	pkt := GetPacket()
	pkt.Header = protocol.NewHeader(t, connID, seqNr, ackNr)
	if len(data) > 0 {
		pkt.Payload = append(pkt.Payload, data...)
	}
	pkt.Header.Payload = pkt.Payload
	return pkt
}
