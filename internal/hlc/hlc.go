// Package hlc implements the hybrid logical clock that orders every
// RowDelta in the sync plane. A Timestamp is an opaque 64-bit integer:
// the high 48 bits are unsigned wall-clock milliseconds since the Unix
// epoch, the low 16 bits are a logical counter that breaks ties between
// events issued within the same millisecond.
package hlc

import (
	"fmt"
	"sync"
	"time"

	"github.com/hyperengineering/syncd/internal/syncerr"
)

// Timestamp is the 64-bit encoding of (wall, counter). Total order is
// numeric comparison.
type Timestamp uint64

// counterBits is the width of the logical counter; the remaining 48 bits
// hold wall-clock milliseconds. Spec's Open Question about widening this
// to 24 bits is declined — defaults are 48+16 per spec.
const (
	counterBits = 16
	counterMax  = 1<<counterBits - 1
)

// ErrCounterOverflow is returned by Now when the logical counter would
// wrap within a single millisecond. It wraps syncerr.ErrCounterOverflow.
var ErrCounterOverflow = fmt.Errorf("hlc: counter overflow within one millisecond: %w", syncerr.ErrCounterOverflow)

// Encode combines a wall-clock millisecond value and a counter into a
// Timestamp.
func Encode(wallMs uint64, counter uint16) Timestamp {
	return Timestamp(wallMs<<counterBits | uint64(counter))
}

// Decode splits a Timestamp back into its wall-clock and counter parts.
func Decode(t Timestamp) (wallMs uint64, counter uint16) {
	return uint64(t) >> counterBits, uint16(uint64(t) & counterMax)
}

// DecodeWall returns just the wall-clock component, in milliseconds since
// the Unix epoch.
func DecodeWall(t Timestamp) uint64 {
	w, _ := Decode(t)
	return w
}

// WallSource returns the current wall-clock time in Unix milliseconds.
// Exposed as a function type so tests can inject a controlled clock.
type WallSource func() uint64

// SystemWall is the default WallSource, backed by time.Now.
func SystemWall() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Clock is a single gateway's or client's hybrid logical clock. It is
// safe for concurrent use.
type Clock struct {
	wall WallSource

	mu      sync.Mutex
	lastW   uint64
	lastC   uint16
}

// New creates a Clock using the system wall clock.
func New() *Clock {
	return NewWithWallSource(SystemWall)
}

// NewWithWallSource creates a Clock backed by a custom wall-clock source,
// primarily for deterministic tests.
func NewWithWallSource(wall WallSource) *Clock {
	return &Clock{wall: wall}
}

// Now advances the clock and returns a new Timestamp strictly greater
// than any previously emitted or observed Timestamp from this Clock.
// Returns ErrCounterOverflow if the logical counter would wrap within the
// current millisecond.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wall()
	if w > c.lastW {
		c.lastW = w
		c.lastC = 0
		return Encode(c.lastW, c.lastC), nil
	}

	if c.lastC >= counterMax {
		return 0, ErrCounterOverflow
	}
	c.lastC++
	return Encode(c.lastW, c.lastC), nil
}

// Observe merges an externally observed Timestamp into the clock's state,
// per the HLC merge rule: the new state's wall is the max of the local
// wall clock and the two timestamps being compared; the counter resets to
// zero if the local wall clock strictly dominates, otherwise it advances
// past whichever of the two prior counters is larger.
func (c *Clock) Observe(t Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tw, tc := Decode(t)
	w := c.wall()

	switch {
	case w > c.lastW && w > tw:
		c.lastW = w
		c.lastC = 0
	case c.lastW == tw:
		c.lastW = tw
		c.lastC = maxU16(c.lastC, tc) + 1
	case c.lastW > tw:
		c.lastC++
	default: // tw > c.lastW
		c.lastW = tw
		c.lastC = tc + 1
	}
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
