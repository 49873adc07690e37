// Package protocol implements the on-wire packet codec for the Quantum uTP
// core: the fixed header, the extension chain, and the selective-ack bitmap
// extension. It has no notion of connection state, congestion control or
// reordering — those live in the reliability, ledbat and quantum packages,
// which consume the accessors exposed here.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// CurrentVersion is the only protocol version this codec understands.
	CurrentVersion uint8 = 1

	// HeaderSize is the size, in bytes, of the fixed header (no extensions).
	HeaderSize = 20

	// ExtSelectiveAck identifies the selective-ack bitmap extension.
	ExtSelectiveAck uint8 = 1

	// ExtFEC identifies the forward-error-correction shard descriptor
	// extension: an optional addition a peer without FEC support simply
	// ignores, falling back to ordinary loss recovery.
	ExtFEC uint8 = 2

	// FECExtLen is the length, in bytes, of an ExtFEC extension's fixed
	// prefix — everything but the optional DataLens table a parity shard
	// carries on top of it.
	FECExtLen = 9
)

// PacketType identifies the purpose of a packet.
type PacketType uint8

const (
	TypeData  PacketType = 0
	TypeFin   PacketType = 1
	TypeState PacketType = 2
	TypeReset PacketType = 3
	TypeSyn   PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

// Extension is one link of the extension chain. Type identifies how Data
// should be interpreted (ExtSelectiveAck and ExtFEC are the types this codec
// knows how to build; unknown types round-trip but are otherwise ignored).
type Extension struct {
	Type uint8
	Data []byte
}

// Bit returns the i-th bit of the extension's bitmap, LSB-first within each
// byte. Out-of-range indices read as unset.
func (e Extension) Bit(i int) bool {
	byteIdx := i / 8
	if byteIdx < 0 || byteIdx >= len(e.Data) {
		return false
	}
	return e.Data[byteIdx]&(1<<uint(i%8)) != 0
}

// NumBits returns the number of bits carried by the extension's bitmap.
func (e Extension) NumBits() int {
	return len(e.Data) * 8
}

// Header is a single Quantum uTP packet: fixed header, extension chain and
// payload. The codec round-trips bit-exactly.
type Header struct {
	Version       uint8
	Type          PacketType
	ConnID        uint16
	Timestamp     uint32 // sender's clock, microseconds
	TimestampDiff uint32 // replier's clock minus the answered packet's Timestamp, microseconds
	WndSize       uint32 // advertised receive window, bytes
	SeqNr         uint16
	AckNr         uint16
	Extensions    []Extension
	Payload       []byte
}

// NewHeader builds a header with the current protocol version and no
// extensions or payload.
func NewHeader(t PacketType, connID, seqNr, ackNr uint16) *Header {
	return &Header{
		Version: CurrentVersion,
		Type:    t,
		ConnID:  connID,
		SeqNr:   seqNr,
		AckNr:   ackNr,
	}
}

// AddSelectiveAck appends a selective-ack extension. bitmap must already be
// padded to a multiple of 4 bytes, per the wire format.
func (h *Header) AddSelectiveAck(bitmap []byte) error {
	if len(bitmap)%4 != 0 {
		return fmt.Errorf("sack bitmap length %d is not a multiple of 4", len(bitmap))
	}
	h.Extensions = append(h.Extensions, Extension{Type: ExtSelectiveAck, Data: bitmap})
	return nil
}

// SelectiveAck returns the first selective-ack extension's bitmap, if any.
func (h *Header) SelectiveAck() (bitmap []byte, ok bool) {
	for _, ext := range h.Extensions {
		if ext.Type == ExtSelectiveAck {
			return ext.Data, true
		}
	}
	return nil, false
}

// HasExtensions reports whether the header carries any extension records.
func (h *Header) HasExtensions() bool {
	return len(h.Extensions) > 0
}

// FECDescriptor is the decoded payload of an ExtFEC extension: which FEC
// group and shard position a Data packet's payload belongs to.
type FECDescriptor struct {
	GroupID    uint32
	BaseSeqNr  uint16
	ShardIndex uint8
	IsParity   bool

	// DataLens carries the true, pre-padding length of every data shard in
	// the group. Only parity shards populate it: a data shard's own payload
	// is already its true length, but a data shard lost in transit can only
	// be trimmed after Reed-Solomon reconstruction using a length learned
	// from a parity shard of the same group.
	DataLens []uint16
}

// AddFECDescriptor appends an ExtFEC extension describing the packet's
// place in a forward-error-correction group.
func (h *Header) AddFECDescriptor(d FECDescriptor) {
	buf := make([]byte, FECExtLen+2*len(d.DataLens))
	binary.BigEndian.PutUint32(buf[0:4], d.GroupID)
	binary.BigEndian.PutUint16(buf[4:6], d.BaseSeqNr)
	buf[6] = d.ShardIndex
	if d.IsParity {
		buf[7] = 1
	}
	buf[8] = uint8(len(d.DataLens))
	for i, l := range d.DataLens {
		binary.BigEndian.PutUint16(buf[FECExtLen+2*i:FECExtLen+2*i+2], l)
	}
	h.Extensions = append(h.Extensions, Extension{Type: ExtFEC, Data: buf})
}

// FECDescriptor returns the first ExtFEC extension's decoded descriptor, if
// any.
func (h *Header) FECDescriptor() (FECDescriptor, bool) {
	for _, ext := range h.Extensions {
		if ext.Type != ExtFEC || len(ext.Data) < FECExtLen {
			continue
		}
		d := FECDescriptor{
			GroupID:    binary.BigEndian.Uint32(ext.Data[0:4]),
			BaseSeqNr:  binary.BigEndian.Uint16(ext.Data[4:6]),
			ShardIndex: ext.Data[6],
			IsParity:   ext.Data[7] != 0,
		}
		count := int(ext.Data[8])
		if need := FECExtLen + 2*count; count > 0 && len(ext.Data) >= need {
			d.DataLens = make([]uint16, count)
			for i := 0; i < count; i++ {
				d.DataLens[i] = binary.BigEndian.Uint16(ext.Data[FECExtLen+2*i : FECExtLen+2*i+2])
			}
		}
		return d, true
	}
	return FECDescriptor{}, false
}

// Size returns the total on-wire size of the header, including extensions,
// but excluding the payload.
func (h *Header) Size() int {
	size := HeaderSize
	for _, ext := range h.Extensions {
		size += 2 + len(ext.Data)
	}
	return size
}

// Len returns the total on-wire length of the packet, header plus payload —
// the unit the send window and congestion controller account bytes in.
func (h *Header) Len() int {
	return h.Size() + len(h.Payload)
}

// Marshal serializes the header, extension chain and payload to bytes.
func (h *Header) Marshal() ([]byte, error) {
	buf := make([]byte, h.Size()+len(h.Payload))

	buf[0] = (h.Version << 4) | uint8(h.Type)
	if len(h.Extensions) > 0 {
		buf[1] = h.Extensions[0].Type
	} else {
		buf[1] = 0
	}
	binary.BigEndian.PutUint16(buf[2:4], h.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.TimestampDiff)
	binary.BigEndian.PutUint32(buf[12:16], h.WndSize)
	binary.BigEndian.PutUint16(buf[16:18], h.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], h.AckNr)

	offset := HeaderSize
	for i, ext := range h.Extensions {
		var next uint8
		if i+1 < len(h.Extensions) {
			next = h.Extensions[i+1].Type
		}
		if len(ext.Data) > 255 {
			return nil, fmt.Errorf("extension %d too large: %d bytes", i, len(ext.Data))
		}
		buf[offset] = next
		buf[offset+1] = uint8(len(ext.Data))
		copy(buf[offset+2:], ext.Data)
		offset += 2 + len(ext.Data)
	}

	copy(buf[offset:], h.Payload)

	return buf, nil
}

// Unmarshal parses bytes into the header, replacing its current contents.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("packet too small: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	h.Version = data[0] >> 4
	h.Type = PacketType(data[0] & 0x0F)
	nextType := data[1]
	h.ConnID = binary.BigEndian.Uint16(data[2:4])
	h.Timestamp = binary.BigEndian.Uint32(data[4:8])
	h.TimestampDiff = binary.BigEndian.Uint32(data[8:12])
	h.WndSize = binary.BigEndian.Uint32(data[12:16])
	h.SeqNr = binary.BigEndian.Uint16(data[16:18])
	h.AckNr = binary.BigEndian.Uint16(data[18:20])

	h.Extensions = h.Extensions[:0]
	offset := HeaderSize
	for nextType != 0 {
		if offset+2 > len(data) {
			return fmt.Errorf("truncated extension chain at offset %d", offset)
		}
		length := int(data[offset+1])
		start := offset + 2
		end := start + length
		if end > len(data) {
			return fmt.Errorf("extension of length %d overruns packet at offset %d", length, offset)
		}
		extData := make([]byte, length)
		copy(extData, data[start:end])
		h.Extensions = append(h.Extensions, Extension{Type: nextType, Data: extData})

		nextType = data[offset]
		offset = end
	}

	h.Payload = append(h.Payload[:0], data[offset:]...)

	return h.Validate()
}

// Validate performs basic well-formedness checks on the header.
func (h *Header) Validate() error {
	if h.Version != CurrentVersion {
		return fmt.Errorf("unsupported version: %d", h.Version)
	}
	if h.Type > TypeSyn {
		return fmt.Errorf("unknown packet type: %d", h.Type)
	}
	for i, ext := range h.Extensions {
		if ext.Type == ExtSelectiveAck && len(ext.Data)%4 != 0 {
			return fmt.Errorf("sack extension %d has invalid length %d", i, len(ext.Data))
		}
	}
	return nil
}

// String returns a human-readable summary, useful in debug logs.
func (h *Header) String() string {
	return fmt.Sprintf("Quantum{Type:%s, ConnID:%d, Seq:%d, Ack:%d, Wnd:%d, Ext:%d, PayloadLen:%d}",
		h.Type, h.ConnID, h.SeqNr, h.AckNr, h.WndSize, len(h.Extensions), len(h.Payload))
}
