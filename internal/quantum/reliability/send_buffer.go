package reliability

import "github.com/aetherflow/qutp/internal/quantum/transport"

// sentPacket is one outstanding outbound packet the send window is holding
// until it is cumulatively acknowledged.
type sentPacket struct {
	seqNr     uint16
	length    int
	timestamp uint32
	packet    *transport.Packet
}

// SendWindow holds every transmitted-but-unacknowledged packet, in send
// order, and tracks the sum of their on-wire lengths.
type SendWindow struct {
	packets    []sentPacket
	currWindow int
}

// NewSendWindow returns an empty send window.
func NewSendWindow() *SendWindow {
	return &SendWindow{}
}

// Len reports how many packets are currently in flight.
func (w *SendWindow) Len() int {
	return len(w.packets)
}

// CurrWindow reports the sum of in-flight packet lengths in bytes.
func (w *SendWindow) CurrWindow() int {
	return w.currWindow
}

// IsEmpty reports whether no packets are in flight.
func (w *SendWindow) IsEmpty() bool {
	return len(w.packets) == 0
}

// LastSeqNr returns the sequence number of the most recently enqueued
// packet and whether the window holds any packets at all.
func (w *SendWindow) LastSeqNr() (seqNr uint16, ok bool) {
	if len(w.packets) == 0 {
		return 0, false
	}
	last := w.packets[len(w.packets)-1]
	return last.seqNr, true
}

// EnqueueSent appends a freshly transmitted packet to the window.
func (w *SendWindow) EnqueueSent(p *transport.Packet, timestamp uint32) {
	w.packets = append(w.packets, sentPacket{
		seqNr:     p.Header.SeqNr,
		length:    p.Len(),
		timestamp: timestamp,
		packet:    p,
	})
	w.currWindow += p.Len()
}

// CumulativeAck removes every packet up to and including the one whose
// seqNr equals n, treating n as a cumulative acknowledgment. It reports the
// number of bytes newly acknowledged, or 0 if n is not found in the window.
func (w *SendWindow) CumulativeAck(n uint16) (bytesAcked int) {
	pos := -1
	for i, p := range w.packets {
		if p.seqNr == n {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0
	}

	for i := 0; i <= pos; i++ {
		bytesAcked += w.packets[i].length
		w.currWindow -= w.packets[i].length
	}
	w.packets = w.packets[pos+1:]
	return bytesAcked
}

// Find returns the in-flight packet with the given sequence number, for
// retransmission, or nil if it is not currently outstanding.
func (w *SendWindow) Find(n uint16) *transport.Packet {
	for _, p := range w.packets {
		if p.seqNr == n {
			return p.packet
		}
	}
	return nil
}

// InFlightAfter returns every in-flight packet whose sequence number is
// strictly greater than n, in send order — the set retransmitted on a
// triple duplicate ack.
func (w *SendWindow) InFlightAfter(n uint16) []*transport.Packet {
	var out []*transport.Packet
	for _, p := range w.packets {
		if seqGreater(p.seqNr, n) {
			out = append(out, p.packet)
		}
	}
	return out
}

// seqGreater reports whether a comes strictly after b in the 16-bit
// wraparound sequence space, i.e. the signed difference a-b is positive.
func seqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}
