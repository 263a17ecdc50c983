// Package clock provides node-local tick clocks.
// Ticks are uint32 and wrap around, like a mote clock_time().
// Use for protocol timestamps only. Do not use where time zone matters.
package clock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTicksPerSecond matches Contiki CLOCK_SECOND on Cooja motes.
const DefaultTicksPerSecond = 128

type Clock interface {
	Now() uint32
}

// Monotonic counts ticks since construction using CLOCK_MONOTONIC,
// so wall clock adjustments do not leak into offsets.
type Monotonic struct {
	tps  int64
	base int64 // ns
}

var _ Clock = (*Monotonic)(nil) // compile-time interface test

func NewMonotonic(ticksPerSecond int) *Monotonic {
	if ticksPerSecond <= 0 {
		ticksPerSecond = DefaultTicksPerSecond
	}
	return &Monotonic{tps: int64(ticksPerSecond), base: monoNano()}
}

func (m *Monotonic) Now() uint32 { return m.ticks(monoNano() - m.base) }

func (m *Monotonic) TicksPerSecond() int { return int(m.tps) }

// Duration converts ticks to wall duration at this clock's rate.
func (m *Monotonic) Duration(ticks uint32) time.Duration {
	return time.Duration(int64(ticks) * int64(time.Second) / m.tps)
}

func (m *Monotonic) ticks(ns int64) uint32 {
	const sec = int64(time.Second)
	// split to avoid int64 overflow of ns*tps after long uptime
	return uint32((ns/sec)*m.tps + (ns%sec)*m.tps/sec)
}

func monoNano() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// only EINVAL/EFAULT possible, both code errors
		panic("code error clock_gettime(CLOCK_MONOTONIC) err=" + err.Error())
	}
	return ts.Nano()
}

// Manual is a clock for tests and simulations, safe for concurrent use.
type Manual struct{ v uint32 }

var _ Clock = (*Manual)(nil)

func NewManual(start uint32) *Manual { return &Manual{v: start} }

func (c *Manual) Now() uint32         { return atomic.LoadUint32(&c.v) }
func (c *Manual) Set(v uint32)        { atomic.StoreUint32(&c.v, v) }
func (c *Manual) Add(d uint32) uint32 { return atomic.AddUint32(&c.v, d) }
