// Package fec adds optional Reed-Solomon forward error correction on top of
// the core reliable stream: a run of outbound Data packets is grouped and a
// handful of parity packets are sent alongside them, so the receiver can
// reconstruct a lost packet from parity alone instead of waiting a full
// round trip for a retransmission. It is pack wire-compatible — a peer that
// doesn't understand the fec extension just sees ordinary Data packets it
// can't recover, and falls back to the normal loss-recovery path.
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default number of data packets per group.
	DefaultDataShards = 10

	// DefaultParityShards is the default number of parity packets per group.
	DefaultParityShards = 3
)

// Config controls the shard geometry of a group.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default FEC geometry.
func DefaultConfig() *Config {
	return &Config{DataShards: DefaultDataShards, ParityShards: DefaultParityShards}
}

// Group is one encoding or decoding unit: DataShards consecutive outbound
// packets plus ParityShards parity packets derived from them.
type Group struct {
	ID           uint32
	BaseSeqNr    uint16
	DataShards   [][]byte
	ParityShards [][]byte
	// DataShardLens holds each data shard's true length before
	// Reed-Solomon's uniform-size padding. A shard recovered through
	// reconstruction comes back padded to the group's longest shard and
	// must be re-sliced to this length before it is handed to a caller.
	DataShardLens []int
	receivedMask  []bool
	receivedCount int
	complete      bool
}

// Encoder accumulates outbound packet payloads into groups and produces
// parity shards once a group fills up.
type Encoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	current *Group
	nextID  uint32
}

// NewEncoder builds an Encoder for the given geometry.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DataShards < 1 || config.DataShards > 256 {
		return nil, fmt.Errorf("fec: invalid data shards: %d (must be 1-256)", config.DataShards)
	}
	if config.ParityShards < 0 || config.ParityShards > 256 {
		return nil, fmt.Errorf("fec: invalid parity shards: %d (must be 0-256)", config.ParityShards)
	}
	rs, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon encoder: %w", err)
	}
	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		rs:           rs,
		nextID:       1,
	}, nil
}

// CurrentGroupID returns the id that will be attached to the next shard
// added via AddData: the in-progress group's id if one is open, or the id
// about to be assigned to a new one.
func (e *Encoder) CurrentGroupID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return e.current.ID
	}
	return e.nextID
}

// AddData feeds one outbound packet's payload into the current group. seqNr
// becomes the group's BaseSeqNr on the call that starts a new group and is
// ignored on every other call. Once the group reaches its
// data-shard count, AddData computes and returns the parity shards; every
// other call returns ok == false.
func (e *Encoder) AddData(seqNr uint16, payload []byte) (group *Group, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		e.current = &Group{
			ID:            e.nextID,
			BaseSeqNr:     seqNr,
			DataShards:    make([][]byte, 0, e.dataShards),
			DataShardLens: make([]int, 0, e.dataShards),
		}
		e.nextID++
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.current.DataShards = append(e.current.DataShards, cp)
	e.current.DataShardLens = append(e.current.DataShardLens, len(payload))

	if len(e.current.DataShards) < e.dataShards {
		return nil, false, nil
	}

	if err := e.encode(e.current); err != nil {
		e.current = nil
		return nil, false, fmt.Errorf("fec: encoding group: %w", err)
	}
	finished := e.current
	e.current = nil
	return finished, true, nil
}

func (e *Encoder) encode(g *Group) error {
	maxLen := 0
	for _, shard := range g.DataShards {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}
	for i := range g.DataShards {
		if len(g.DataShards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, g.DataShards[i])
			g.DataShards[i] = padded
		}
	}

	g.ParityShards = make([][]byte, e.parityShards)
	for i := range g.ParityShards {
		g.ParityShards[i] = make([]byte, maxLen)
	}

	all := append(append([][]byte{}, g.DataShards...), g.ParityShards...)
	if err := e.rs.Encode(all); err != nil {
		return err
	}
	g.ParityShards = all[e.dataShards:]
	return nil
}

// Flush returns the in-progress group padded with empty data shards and its
// parity computed, used when the stream closes before a group fills up
// naturally. Returns ok == false if there is nothing pending.
func (e *Encoder) Flush() (group *Group, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || len(e.current.DataShards) == 0 {
		return nil, false, nil
	}
	for len(e.current.DataShards) < e.dataShards {
		e.current.DataShards = append(e.current.DataShards, []byte{})
		e.current.DataShardLens = append(e.current.DataShardLens, 0)
	}
	if err := e.encode(e.current); err != nil {
		e.current = nil
		return nil, false, fmt.Errorf("fec: encoding flushed group: %w", err)
	}
	finished := e.current
	e.current = nil
	return finished, true, nil
}

// Decoder reassembles groups from received data and parity shards and
// reconstructs whatever is missing once enough shards have arrived.
type Decoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	groups         map[uint32]*Group
	totalRecovered uint64
}

// NewDecoder builds a Decoder for the given geometry.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	rs, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon decoder: %w", err)
	}
	return &Decoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		rs:           rs,
		groups:       make(map[uint32]*Group),
	}, nil
}

// AddShard records one received shard (data or parity) of the named group.
// dataLens is the group's per-shard true-length table, carried only by
// parity shards (nil for a data shard) — it lets a shard recovered by
// reconstruction be trimmed back to its original length. Once dataShards
// total shards have arrived it attempts reconstruction, returning the
// completed group with every data shard populated.
func (d *Decoder) AddShard(groupID uint32, baseSeqNr uint16, shardIndex int, isParity bool, payload []byte, dataLens []uint16) (group *Group, recovered bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[groupID]
	if !ok {
		g = &Group{
			ID:            groupID,
			BaseSeqNr:     baseSeqNr,
			DataShards:    make([][]byte, d.dataShards),
			ParityShards:  make([][]byte, d.parityShards),
			DataShardLens: make([]int, d.dataShards),
			receivedMask:  make([]bool, d.dataShards+d.parityShards),
		}
		d.groups[groupID] = g
	}
	if g.complete {
		return g, true, nil
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	maskIdx := shardIndex
	if isParity {
		if shardIndex < 0 || shardIndex >= d.parityShards {
			return nil, false, fmt.Errorf("fec: parity shard index %d out of range", shardIndex)
		}
		g.ParityShards[shardIndex] = cp
		maskIdx = d.dataShards + shardIndex
		if len(dataLens) == d.dataShards {
			for i, l := range dataLens {
				g.DataShardLens[i] = int(l)
			}
		}
	} else {
		if shardIndex < 0 || shardIndex >= d.dataShards {
			return nil, false, fmt.Errorf("fec: data shard index %d out of range", shardIndex)
		}
		g.DataShards[shardIndex] = cp
		g.DataShardLens[shardIndex] = len(payload)
	}
	if !g.receivedMask[maskIdx] {
		g.receivedMask[maskIdx] = true
		g.receivedCount++
	}

	if g.receivedCount < d.dataShards {
		return nil, false, nil
	}

	missing := 0
	for i := 0; i < d.dataShards; i++ {
		if !g.receivedMask[i] {
			missing++
		}
	}
	if missing == 0 {
		g.complete = true
		return g, true, nil
	}

	all := make([][]byte, d.dataShards+d.parityShards)
	copy(all, g.DataShards)
	copy(all[d.dataShards:], g.ParityShards)
	if err := d.rs.Reconstruct(all); err != nil {
		return nil, false, fmt.Errorf("fec: reconstructing group %d: %w", groupID, err)
	}
	for i := 0; i < d.dataShards; i++ {
		if g.DataShards[i] == nil {
			g.DataShards[i] = all[i]
		}
	}
	g.complete = true
	d.totalRecovered += uint64(missing)
	return g, true, nil
}

// CleanupOldGroups drops all but the keepLatest most recently created groups,
// bounding memory when a peer never completes a group (every shard lost).
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.groups) <= keepLatest {
		return
	}
	ids := make([]uint32, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids[:len(ids)-keepLatest] {
		delete(d.groups, id)
	}
}

// RecoveredCount returns the number of data shards that were reconstructed
// from parity rather than received directly, for logging or metrics.
func (d *Decoder) RecoveredCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalRecovered
}
