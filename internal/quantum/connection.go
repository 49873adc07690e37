// Package quantum implements the Quantum uTP connection: a reliable,
// ordered, congestion-controlled byte stream over a single UDP peer. The
// core is single-threaded and synchronous — Recv and Send are the only
// suspension points, both bounded by the congestion timeout, and there is no
// internal locking or background goroutine.
package quantum

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aetherflow/qutp/internal/quantum/fec"
	"github.com/aetherflow/qutp/internal/quantum/ledbat"
	"github.com/aetherflow/qutp/internal/quantum/metrics"
	"github.com/aetherflow/qutp/internal/quantum/protocol"
	"github.com/aetherflow/qutp/internal/quantum/reliability"
	"github.com/aetherflow/qutp/internal/quantum/transport"
	"github.com/aetherflow/qutp/pkg/guuid"
)

const (
	// BufSize is the receive window advertised to the peer, and the size of
	// the scratch buffer used for internal housekeeping reads.
	BufSize = 1500

	// MSS is the maximum uTP segment size; payload chunks are capped at
	// MSS minus the fixed header size.
	MSS = 1400

	// maxSynRetries bounds the initiator's handshake retry budget.
	maxSynRetries = 5
)

// State is the connection's lifecycle tag.
type State int

const (
	StateNew State = iota
	StateSynSent
	StateConnected
	StateFinSent
	StateFinReceived
	StateResetReceived
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateSynSent:
		return "SynSent"
	case StateConnected:
		return "Connected"
	case StateFinSent:
		return "FinSent"
	case StateFinReceived:
		return "FinReceived"
	case StateResetReceived:
		return "ResetReceived"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Statistics holds endpoint-level counters, independent of the raw socket
// counters kept by the transport layer.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmissions uint64
	PacketsLost     uint64
}

// Conn is one Quantum uTP endpoint, bound to exactly one peer for its
// lifetime. It owns the datagram socket, the reorder buffer, the send
// window and the congestion controller exclusively — nothing here is
// touched from more than one goroutine at a time.
type Conn struct {
	transportConn *transport.Conn
	peer          net.Addr

	// id uniquely names this endpoint for the lifetime of the process,
	// independent of the 16-bit wire connection ids — it is the label
	// metrics and logs correlate against, and never goes on the wire.
	id guuid.GUUID

	state State

	recvID uint16 // connection id packets addressed to us must carry
	sendID uint16 // connection id we stamp on outbound packets

	seqNr uint16
	ackNr uint16

	lastAcked    uint16
	lastAckedSet bool

	finSeqNr uint16

	dupAckCount int

	recvBuf *reliability.RecvBuffer
	sendWin *reliability.SendWindow
	cc      *ledbat.Controller

	unsent []*transport.Packet

	fecEncoder      *fec.Encoder
	fecDecoder      *fec.Decoder
	fecShardInGroup int
	fecGroupBase    uint16

	config    *Config
	stats     Statistics
	prevStats Statistics
	logger    *zap.Logger
}

func newConn(tc *transport.Conn, config *Config) *Conn {
	id, err := guuid.New()
	if err != nil {
		// crypto/rand failure is not recoverable; a zero id still keeps the
		// connection usable, it just collapses metrics/log correlation.
		id = guuid.Zero()
	}
	logger := config.Logger
	if logger != nil {
		logger = logger.With(zap.String("conn_id", id.String()))
	}
	c := &Conn{
		transportConn: tc,
		id:            id,
		state:         StateNew,
		recvID:        uint16(rand.Intn(1 << 16)),
		seqNr:         1,
		recvBuf:       reliability.NewRecvBuffer(),
		sendWin:       reliability.NewSendWindow(),
		cc:            ledbat.New(),
		config:        config,
		logger:        logger,
	}
	if config.FECEnabled {
		fecConfig := &fec.Config{DataShards: config.FECDataShards, ParityShards: config.FECParityShards}
		if enc, err := fec.NewEncoder(fecConfig); err == nil {
			c.fecEncoder = enc
		} else if c.logger != nil {
			c.logger.Warn("fec: disabling encoder", zap.Error(err))
		}
		if dec, err := fec.NewDecoder(fecConfig); err == nil {
			c.fecDecoder = dec
		} else if c.logger != nil {
			c.logger.Warn("fec: disabling decoder", zap.Error(err))
		}
	}
	return c
}

// Bind allocates a datagram socket at the given local address and
// randomizes the endpoint's connection id, without fixing a peer. Use
// Connect or accept (via Listen) to establish the connection.
func Bind(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	tc, err := transport.Bind(network, address, config.TransportConfig)
	if err != nil {
		return nil, fmt.Errorf("quantum: bind: %w", err)
	}
	return newConn(tc, config), nil
}

// Dial binds an ephemeral local socket and performs the initiator
// handshake against address.
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	tc, err := transport.Dial(network, address, config.TransportConfig)
	if err != nil {
		return nil, fmt.Errorf("quantum: dial: %w", err)
	}
	c := newConn(tc, config)
	if err := c.Connect(); err != nil {
		tc.Close()
		return nil, err
	}
	return c, nil
}

// Listen binds a local socket and blocks until a Syn is accepted from a
// peer, completing the passive side of the handshake.
func Listen(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	tc, err := transport.Bind(network, address, config.TransportConfig)
	if err != nil {
		return nil, fmt.Errorf("quantum: listen: %w", err)
	}
	c := newConn(tc, config)
	if err := c.accept(); err != nil {
		tc.Close()
		return nil, err
	}
	return c, nil
}

// Connect performs the initiator handshake over an already-bound
// transport.Conn whose peer has been fixed (see Dial). It sends the Syn at
// most maxSynRetries times, doubling the per-try timeout after each timeout.
func (c *Conn) Connect() error {
	_, span := c.config.Tracer.Start(context.Background(), "quantum.Connect",
		attribute.Int("recv_id", int(c.recvID)))
	defer span.End()

	c.sendID = c.recvID + 1

	synTimeout := c.cc.CongestionTimeout()
	var resp *transport.Packet

	for attempt := 0; attempt < maxSynRetries; attempt++ {
		pkt := transport.NewPacket(protocol.TypeSyn, c.recvID, c.seqNr, 0, nil)
		pkt.Header.Timestamp = nowMicros32()
		pkt.Header.WndSize = BufSize
		if err := c.sendPacket(pkt); err != nil {
			return fmt.Errorf("quantum: send syn: %w", err)
		}
		c.state = StateSynSent

		r, err := c.transportConn.Recv(synTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				synTimeout *= 2
				continue
			}
			return fmt.Errorf("quantum: recv syn reply: %w", err)
		}
		resp = r
		break
	}

	if resp == nil || resp.Header.Type != protocol.TypeState {
		return ErrConnectionFailed
	}

	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(resp.Len())
	c.peer = resp.Addr
	c.transportConn.SetPeer(resp.Addr)
	c.ackNr = resp.Header.SeqNr
	c.seqNr++
	c.lastAcked = resp.Header.AckNr
	c.lastAckedSet = true
	c.cc.SetRemoteWndSize(resp.Header.WndSize)
	c.cc.NoteNewAck(nowMicros())
	c.state = StateConnected
	return nil
}

// accept blocks, servicing the underlying socket, until a Syn arrives. It
// adopts the peer address and connection ids it carries, replies State and
// transitions to Connected.
func (c *Conn) accept() error {
	for {
		pkt, err := c.transportConn.Recv(c.cc.CongestionTimeout())
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("quantum: accept: %w", err)
		}
		if pkt.Header.Type != protocol.TypeSyn {
			continue
		}

		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(pkt.Len())

		c.peer = pkt.Addr
		c.transportConn.SetPeer(pkt.Addr)
		c.ackNr = pkt.Header.SeqNr
		c.seqNr = uint16(rand.Intn(1 << 16))
		c.recvID = pkt.Header.ConnID + 1
		c.sendID = pkt.Header.ConnID
		c.cc.SetRemoteWndSize(pkt.Header.WndSize)
		c.state = StateConnected

		reply := c.prepareReply(pkt, protocol.TypeState)
		err = c.sendPacket(reply)
		transport.PutPacket(reply)
		return err
	}
}

// prepareReply builds a reply packet stamped with our connection id,
// current seqNr/ackNr, current clock, and the timestamp-difference relative
// to original (nil for replies not triggered by an inbound packet). The
// reply is always a single-shot transmission — never retained in the send
// window — so its payload backing array comes from the pool; the caller
// must PutPacket it once sent.
func (c *Conn) prepareReply(original *transport.Packet, t protocol.PacketType) *transport.Packet {
	now := nowMicros32()
	pkt := transport.PooledPacket(t, c.sendID, c.seqNr, c.ackNr, nil)
	pkt.Header.Timestamp = now
	if original != nil {
		pkt.Header.TimestampDiff = now - original.Header.Timestamp
	}
	pkt.Header.WndSize = BufSize
	return pkt
}

func (c *Conn) sendPacket(pkt *transport.Packet) error {
	if err := c.transportConn.Send(pkt); err != nil {
		return fmt.Errorf("quantum: send: %w", err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(pkt.Len())
	return nil
}

// Recv blocks for at most the current congestion timeout and returns the
// next reassembled chunk of the byte stream. A timeout that recovers
// internally (triggering a fast-resend request) yields 0 bytes and a nil
// error, never a distinguished sentinel.
func (c *Conn) Recv(buf []byte) (int, net.Addr, error) {
	if c.state == StateClosed {
		return 0, c.peer, ErrClosed
	}
	if c.state == StateResetReceived {
		return 0, c.peer, ErrConnectionReset
	}

	if n, newAck := c.recvBuf.Flush(buf, c.ackNr); n > 0 {
		c.ackNr = newAck
		return n, c.peer, nil
	}

	return c.recvOne(buf)
}

// recvOne performs a single blocking socket read, folds the resulting
// packet into connection state, and flushes whatever the reorder buffer
// will now yield.
func (c *Conn) recvOne(buf []byte) (int, net.Addr, error) {
	pkt, err := c.transportConn.Recv(c.cc.CongestionTimeout())
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.cc.OnRetransmissionTimeout()
			c.stats.Retransmissions++
			if err := c.sendFastResendRequest(); err != nil {
				return 0, c.peer, err
			}
			return 0, c.peer, nil
		}
		return 0, c.peer, err
	}

	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(pkt.Len())

	if pkt.Header.Type == protocol.TypeData {
		c.insertDataPacket(pkt)
	}

	reply, err := c.handlePacket(pkt)
	if err != nil {
		return 0, c.peer, err
	}
	if reply != nil {
		sendErr := c.sendPacket(reply)
		transport.PutPacket(reply)
		if sendErr != nil {
			return 0, c.peer, sendErr
		}
	}

	n, newAck := c.recvBuf.Flush(buf, c.ackNr)
	c.ackNr = newAck
	c.reportMetrics()
	return n, pkt.Addr, nil
}

// insertDataPacket folds a received Data packet's payload into the reorder
// buffer. When FEC is enabled it first routes the shard through the
// decoder: a parity shard is never itself delivered to the application, but
// a completed group may recover data shards the peer's own retransmissions
// haven't caught up with yet, so those are inserted too.
func (c *Conn) insertDataPacket(pkt *transport.Packet) {
	desc, hasFEC := pkt.Header.FECDescriptor()
	if !hasFEC {
		if !seqLess(pkt.Header.SeqNr, c.ackNr+1) {
			c.recvBuf.Insert(pkt.Header.SeqNr, pkt.Header.Timestamp, pkt.Payload)
		}
		return
	}

	if c.fecDecoder == nil {
		// A parity shard's bytes are Reed-Solomon check data, not stream
		// payload; a peer with no decoder to consume them drops the shard
		// outright instead of delivering it as if it were ordinary data. An
		// accompanying data shard still carries real payload and is
		// delivered as usual.
		if !desc.IsParity && !seqLess(pkt.Header.SeqNr, c.ackNr+1) {
			c.recvBuf.Insert(pkt.Header.SeqNr, pkt.Header.Timestamp, pkt.Payload)
		}
		return
	}

	group, done, err := c.fecDecoder.AddShard(desc.GroupID, desc.BaseSeqNr, int(desc.ShardIndex), desc.IsParity, pkt.Payload, desc.DataLens)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("fec: failed to add shard", zap.Error(err))
		}
	} else if done {
		for i, shard := range group.DataShards {
			if i < len(group.DataShardLens) {
				if l := group.DataShardLens[i]; l > 0 && l <= len(shard) {
					shard = shard[:l]
				}
			}
			seqNr := group.BaseSeqNr + uint16(i)
			if !seqLess(seqNr, c.ackNr+1) {
				c.recvBuf.Insert(seqNr, pkt.Header.Timestamp, shard)
			}
		}
	}

	if !desc.IsParity && !seqLess(pkt.Header.SeqNr, c.ackNr+1) {
		c.recvBuf.Insert(pkt.Header.SeqNr, pkt.Header.Timestamp, pkt.Payload)
	}
}

// sendFastResendRequest emits three identical State packets carrying the
// current seqNr/ackNr, signalling the peer to retransmit without waiting
// for its own timeout.
func (c *Conn) sendFastResendRequest() error {
	for i := 0; i < 3; i++ {
		pkt := c.prepareReply(nil, protocol.TypeState)
		pkt.Header.Timestamp = nowMicros32()
		if c.lastAckedSet {
			pkt.Header.TimestampDiff = pkt.Header.Timestamp - uint32(c.cc.LastAckedTimestamp())
		}
		err := c.sendPacket(pkt)
		transport.PutPacket(pkt)
		if err != nil {
			return err
		}
	}
	return nil
}

// handlePacket applies the state-transition table in full: connection-id
// gating, ack_nr advance, and the per-(state,type) action. It returns the
// reply packet to transmit, if any.
func (c *Conn) handlePacket(pkt *transport.Packet) (*transport.Packet, error) {
	hdr := pkt.Header

	if seqIsNext(hdr.SeqNr, c.ackNr) {
		c.ackNr = hdr.SeqNr
	}

	if !(c.state == StateNew && hdr.Type == protocol.TypeSyn) {
		if hdr.ConnID != c.sendID && hdr.ConnID != c.recvID {
			return c.prepareReply(pkt, protocol.TypeReset), nil
		}
	}

	c.cc.SetRemoteWndSize(hdr.WndSize)

	switch {
	case c.state == StateNew && hdr.Type == protocol.TypeSyn:
		c.peer = pkt.Addr
		c.transportConn.SetPeer(pkt.Addr)
		c.ackNr = hdr.SeqNr
		c.seqNr = uint16(rand.Intn(1 << 16))
		c.recvID = hdr.ConnID + 1
		c.sendID = hdr.ConnID
		c.state = StateConnected
		return c.prepareReply(pkt, protocol.TypeState), nil

	case c.state == StateSynSent && hdr.Type == protocol.TypeState:
		c.ackNr = hdr.SeqNr
		c.seqNr++
		c.lastAcked = hdr.AckNr
		c.lastAckedSet = true
		c.cc.NoteNewAck(nowMicros())
		c.state = StateConnected
		return nil, nil

	case c.state == StateSynSent:
		return nil, ErrConnectionFailed

	case c.state == StateConnected && hdr.Type == protocol.TypeSyn:
		return nil, nil

	case c.state == StateConnected && hdr.Type == protocol.TypeData:
		return c.handleDataPacket(pkt), nil

	case c.state == StateConnected && hdr.Type == protocol.TypeState:
		c.handleStatePacket(pkt)
		return nil, nil

	case c.state == StateConnected && hdr.Type == protocol.TypeFin:
		c.state = StateFinReceived
		c.finSeqNr = hdr.SeqNr
		if c.recvBuf.Len() == 0 && !c.recvBuf.HasPending() && c.ackNr == c.finSeqNr {
			c.state = StateClosed
			return c.prepareReply(pkt, protocol.TypeState), nil
		}
		return nil, nil

	case c.state == StateFinSent && hdr.Type == protocol.TypeState:
		if hdr.AckNr == c.seqNr {
			c.state = StateClosed
		}
		return nil, nil

	case hdr.Type == protocol.TypeReset:
		c.state = StateResetReceived
		return nil, ErrConnectionReset

	default:
		return nil, fmt.Errorf("%w: (%s, %s)", ErrProtocolViolation, c.state, hdr.Type)
	}
}

// handleDataPacket inserts the packet's payload into the reorder buffer
// (already done by the caller) and builds the State reply, attaching a
// selective-ack bitmap whenever a gap is still open.
func (c *Conn) handleDataPacket(pkt *transport.Packet) *transport.Packet {
	reply := c.prepareReply(pkt, protocol.TypeState)

	if seqDiff(pkt.Header.SeqNr, c.ackNr) > 1 {
		bitmap := c.recvBuf.SelectiveAckBitmap(c.ackNr)
		if err := reply.Header.AddSelectiveAck(bitmap); err != nil {
			if c.logger != nil {
				c.logger.Warn("failed to attach selective-ack extension", zap.Error(err))
			}
		}
	}

	return reply
}

// handleStatePacket folds a State reply into the duplicate-ack counter, the
// delay/congestion controller, and the selective-ack-driven retransmission
// logic, then advances the send window.
func (c *Conn) handleStatePacket(pkt *transport.Packet) {
	hdr := pkt.Header

	if c.lastAckedSet && hdr.AckNr == c.lastAcked {
		c.dupAckCount++
	} else {
		c.lastAcked = hdr.AckNr
		c.lastAckedSet = true
		c.cc.NoteNewAck(nowMicros())
		c.dupAckCount = 1
	}

	now := nowMicros()
	c.cc.UpdateBaseDelay(int64(hdr.Timestamp), now)
	c.cc.UpdateCurrentDelay(int64(hdr.TimestampDiff), now)

	offTarget := (float64(ledbat.Target) - float64(c.cc.QueuingDelay())) / float64(ledbat.Target)
	c.cc.UpdateCongestionWindow(offTarget, uint32(c.sendWin.CurrWindow()), uint32(pkt.Len()))

	currentDelayMs := (int64(ledbat.Target) - int64(offTarget)) / 1000
	c.cc.UpdateCongestionTimeout(currentDelayMs)

	lossDetected := !c.sendWin.IsEmpty() && c.dupAckCount == 3

	if bitmap, ok := hdr.SelectiveAck(); ok {
		lastSeq, haveLast := c.sendWin.LastSeqNr()

		setBits := 0
		numBits := (len(bitmap) * 8)
		for i := 0; i < numBits; i++ {
			if bitAt(bitmap, i) {
				setBits++
			}
		}
		if setBits >= 3 {
			if missing := c.sendWin.Find(hdr.AckNr + 1); missing != nil {
				c.resendLostPacket(missing)
			}
			lossDetected = true
		}

		for i := 0; i < numBits; i++ {
			seqNr := hdr.AckNr + 2 + uint16(i)
			if bitAt(bitmap, i) {
				continue
			}
			if !haveLast || !seqLess(seqNr, lastSeq) {
				break
			}
			if lost := c.sendWin.Find(seqNr); lost != nil {
				c.resendLostPacket(lost)
				lossDetected = true
			}
		}
	}

	if lossDetected {
		c.cc.OnPacketLoss()
		c.stats.PacketsLost++
	}

	if c.dupAckCount == 3 && !c.sendWin.IsEmpty() {
		for _, p := range c.sendWin.InFlightAfter(hdr.AckNr) {
			c.resendLostPacket(p)
		}
	}

	c.sendWin.CumulativeAck(hdr.AckNr)
}

func (c *Conn) resendLostPacket(pkt *transport.Packet) {
	if err := c.sendPacket(pkt); err != nil && c.logger != nil {
		c.logger.Warn("failed to resend packet", zap.Uint16("seq_nr", pkt.Header.SeqNr), zap.Error(err))
	}
}

// bitAt reads bit i of a little-endian bitmap extension, LSB-first within
// each byte — the same convention protocol.Extension.Bit uses.
func bitAt(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// Send chunks data into MSS-sized Data packets, enqueues them, drains the
// unsent queue against the congestion window, and blocks until every chunk
// has been cumulatively acknowledged.
func (c *Conn) Send(data []byte) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state == StateResetReceived {
		return ErrConnectionReset
	}

	_, span := c.config.Tracer.Start(context.Background(), "quantum.Send",
		attribute.Int("bytes", len(data)))
	defer span.End()

	chunkSize := MSS - protocol.HeaderSize
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		pkt := transport.NewPacket(protocol.TypeData, c.sendID, c.seqNr, c.ackNr, data[offset:end])
		c.unsent = append(c.unsent, pkt)
		c.seqNr++

		if c.fecEncoder != nil {
			c.enqueueFECShard(pkt)
		}
	}

	if err := c.drainUnsent(); err != nil {
		return err
	}

	target := c.seqNr - 1
	buf := make([]byte, BufSize)
	for !c.lastAckedSet || seqLess(c.lastAcked, target) {
		if _, _, err := c.recvOne(buf); err != nil {
			return err
		}
	}
	return nil
}

// enqueueFECShard tags pkt as the next data shard of the current FEC group
// and, once the encoder's group fills up, queues the derived parity shards
// right behind it.
func (c *Conn) enqueueFECShard(pkt *transport.Packet) {
	if c.fecShardInGroup == 0 {
		c.fecGroupBase = pkt.Header.SeqNr
	}
	groupID := c.fecEncoder.CurrentGroupID()
	pkt.Header.AddFECDescriptor(protocol.FECDescriptor{
		GroupID:    groupID,
		BaseSeqNr:  c.fecGroupBase,
		ShardIndex: uint8(c.fecShardInGroup),
		IsParity:   false,
	})
	c.fecShardInGroup++

	group, complete, err := c.fecEncoder.AddData(pkt.Header.SeqNr, pkt.Payload)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("fec: failed to encode group", zap.Error(err))
		}
		return
	}
	if !complete {
		return
	}
	c.fecShardInGroup = 0

	dataLens := make([]uint16, len(group.DataShardLens))
	for i, l := range group.DataShardLens {
		dataLens[i] = uint16(l)
	}
	for i, shard := range group.ParityShards {
		ppkt := transport.NewPacket(protocol.TypeData, c.sendID, c.seqNr, c.ackNr, shard)
		ppkt.Header.AddFECDescriptor(protocol.FECDescriptor{
			GroupID:    group.ID,
			BaseSeqNr:  group.BaseSeqNr,
			ShardIndex: uint8(i),
			IsParity:   true,
			DataLens:   dataLens,
		})
		c.unsent = append(c.unsent, ppkt)
		c.seqNr++
	}
}

// drainUnsent transmits every queued packet, blocking on receives whenever
// the inflight budget is saturated so acknowledgments can free it up.
func (c *Conn) drainUnsent() error {
	buf := make([]byte, BufSize)
	for len(c.unsent) > 0 {
		pkt := c.unsent[0]
		maxInflight := c.cc.MaxInflight()

		for uint32(c.sendWin.CurrWindow()+pkt.Len()) > maxInflight {
			if _, _, err := c.recvOne(buf); err != nil {
				return err
			}
			maxInflight = c.cc.MaxInflight()
		}

		if c.config.RateLimit != nil {
			if err := c.config.RateLimit.WaitN(context.Background(), pkt.Len()); err != nil {
				return fmt.Errorf("quantum: rate limit wait: %w", err)
			}
		}

		pkt.Header.Timestamp = nowMicros32()
		if err := c.sendPacket(pkt); err != nil {
			return err
		}
		c.sendWin.EnqueueSent(pkt, pkt.Header.Timestamp)
		c.unsent = c.unsent[1:]
	}
	return nil
}

// Close drains the send window, then performs the graceful Fin/State
// teardown, blocking until the connection reaches Closed.
func (c *Conn) Close() error {
	_, span := c.config.Tracer.Start(context.Background(), "quantum.Close")
	defer span.End()

	buf := make([]byte, BufSize)
	for !c.sendWin.IsEmpty() {
		if _, _, err := c.recvOne(buf); err != nil {
			return err
		}
	}

	if c.state == StateClosed {
		return c.transportConn.Close()
	}

	fin := transport.NewPacket(protocol.TypeFin, c.sendID, c.seqNr, c.ackNr, nil)
	fin.Header.Timestamp = nowMicros32()
	if err := c.sendPacket(fin); err != nil {
		return err
	}
	c.state = StateFinSent

	for c.state != StateClosed {
		if _, _, err := c.recvOne(buf); err != nil {
			return err
		}
	}

	return c.transportConn.Close()
}

// ID returns the endpoint's process-local identifier, used to label log
// lines and metrics series. It is never placed on the wire.
func (c *Conn) ID() string {
	return c.id.String()
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// Peer reports the connection's peer address.
func (c *Conn) Peer() net.Addr {
	return c.peer
}

// Statistics returns a snapshot of endpoint-level counters.
func (c *Conn) Statistics() Statistics {
	return c.stats
}

// CongestionStatistics exposes the delay/congestion controller's snapshot,
// useful for logging or metrics export.
func (c *Conn) CongestionStatistics() map[string]interface{} {
	return c.cc.Statistics()
}

// reportMetrics folds the counters that changed since the last call into
// the configured Prometheus collector, if any. It is a no-op when
// config.Metrics is nil, which is the default.
func (c *Conn) reportMetrics() {
	if c.config.Metrics == nil {
		return
	}
	snapshot := metrics.Snapshot{
		PacketsSentDelta:     c.stats.PacketsSent - c.prevStats.PacketsSent,
		PacketsReceivedDelta: c.stats.PacketsReceived - c.prevStats.PacketsReceived,
		BytesSentDelta:       c.stats.BytesSent - c.prevStats.BytesSent,
		BytesReceivedDelta:   c.stats.BytesReceived - c.prevStats.BytesReceived,
		RetransmissionsDelta: c.stats.Retransmissions - c.prevStats.Retransmissions,
		PacketsLostDelta:     c.stats.PacketsLost - c.prevStats.PacketsLost,
		CongestionWindow:     c.cc.Cwnd(),
		RTTMillis:            c.cc.RTTMillis(),
	}
	c.config.Metrics.Observe(c.id.String(), snapshot)
	c.prevStats = c.stats
}
