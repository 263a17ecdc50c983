// Package clocksync estimates the offset between a remote (root) clock
// and the local clock as a moving average over the last few observations.
//
// Memory and per-sample cost are bounded by window capacity.
// Not safe for concurrent use, owner serializes access.
package clocksync

const DefaultWindow = 5

type Estimator struct {
	samples []int32
	sum     int64 // wider than samples, cannot overflow for any window <= 2^32
	count   int
	next    int
}

func New(capacity int) *Estimator {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Estimator{samples: make([]int32, capacity)}
}

// Offset of remote time against local time, both in ticks.
// Modular uint32 difference reinterpreted as signed, so it survives wrap.
func Offset(reported, local uint32) int32 { return int32(reported - local) }

// Observe computes offset of one sync observation and inserts it.
func (e *Estimator) Observe(reported, local uint32) int32 {
	offset := Offset(reported, local)
	e.Insert(offset)
	return offset
}

// Insert adds offset, evicting the oldest one when the window is full.
func (e *Estimator) Insert(offset int32) {
	if e.count < len(e.samples) {
		e.count++
	} else {
		e.sum -= int64(e.samples[e.next])
	}
	e.samples[e.next] = offset
	e.sum += int64(offset)
	e.next = (e.next + 1) % len(e.samples)
}

// Average returns sum/count truncated toward zero.
// ok=false until first Insert.
func (e *Estimator) Average() (avg int32, ok bool) {
	if e.count == 0 {
		return 0, false
	}
	return int32(e.sum / int64(e.count)), true
}

func (e *Estimator) HasData() bool { return e.count > 0 }
func (e *Estimator) Len() int      { return e.count }
func (e *Estimator) Cap() int      { return len(e.samples) }

// Samples returns resident offsets, oldest first.
func (e *Estimator) Samples() []int32 {
	out := make([]int32, 0, e.count)
	start := 0
	if e.count == len(e.samples) {
		start = e.next
	}
	for i := 0; i < e.count; i++ {
		out = append(out, e.samples[(start+i)%len(e.samples)])
	}
	return out
}
