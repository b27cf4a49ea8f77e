// Package flake generates 64-bit time-ordered unique identifiers for assets.
//
// An ID packs a 42-bit millisecond timestamp, a 10-bit instance discriminator,
// and a 12-bit per-millisecond sequence, so a single process can mint up to
// 4096 IDs per millisecond and IDs from distinct instances never collide.
// State is process-lifetime only; nothing is persisted.
package flake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch is 2025-01-01T00:00:00Z in Unix milliseconds. Shifting the
	// timestamp origin keeps 42 bits of headroom until the year 2164.
	epoch = 1735689600000

	instanceBits = 10
	seqBits      = 12

	maxInstance = 1<<instanceBits - 1
	maxSeq      = 1<<seqBits - 1
)

// Generator produces unique, monotonically non-decreasing 64-bit IDs. It is
// safe for concurrent use; every state transition happens under a single
// mutex. Construct one per process and inject it where IDs are needed.
type Generator struct {
	mu       sync.Mutex
	instance uint64
	lastMs   uint64
	seq      uint64

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// New creates a Generator with the given instance discriminator. Instance IDs
// above the 10-bit range are truncated.
func New(instance uint16) *Generator {
	return &Generator{
		instance: uint64(instance) & maxInstance,
		now:      time.Now,
	}
}

// NewRandom creates a Generator with a random instance discriminator drawn
// from crypto/rand. Use this when no instance ID has been configured;
// cross-process uniqueness is then probabilistic rather than guaranteed.
func NewRandom() (*Generator, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("reading random instance id: %w", err)
	}
	return New(binary.BigEndian.Uint16(b[:])), nil
}

// Instance returns the instance discriminator in use.
func (g *Generator) Instance() uint16 {
	return uint16(g.instance)
}

// Next returns the next ID. IDs from one Generator never repeat and never
// decrease, even when the wall clock moves backward: on regression the
// generator keeps its last observed timestamp and continues on the sequence
// counter, and on counter exhaustion it borrows by advancing the timestamp a
// millisecond. This trades a slight lead over real time for never stalling.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli() - epoch)
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.seq++
		if g.seq > maxSeq {
			g.lastMs++
			g.seq = 0
		}
	} else {
		g.lastMs = ms
		g.seq = 0
	}

	return g.lastMs<<(instanceBits+seqBits) | g.instance<<seqBits | g.seq
}

// NextHex returns the next ID as a fixed-width 16-character lowercase hex
// string, safe for use as a filesystem key.
func (g *Generator) NextHex() string {
	return fmt.Sprintf("%016x", g.Next())
}
