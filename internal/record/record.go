// Package record writes structured per-event lines for offline analysis.
// One record per line, fixed field order, comma separated:
//   CSV,RX,<sender>,<seq>,<t_recv>,<len>
//   CSV,RTT,<seq>,<t0>,<t_ack>,<rtt_ticks>,<len>
package record

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/temoto/meshtele/helpers"
)

const tag = "CSV"

type Record interface {
	Kind() string
	Fields() []string
}

// Line renders r without trailing newline.
func Line(r Record) string {
	fields := r.Fields()
	parts := make([]string, 0, 2+len(fields))
	parts = append(parts, tag, r.Kind())
	parts = append(parts, fields...)
	return strings.Join(parts, ",")
}

// RX is emitted by root on each decoded telemetry datagram.
type RX struct {
	Sender   string
	Seq      uint32
	RecvTime uint32
	Len      int
}

func (RX) Kind() string { return "RX" }
func (r RX) Fields() []string {
	return []string{r.Sender, u32(r.Seq), u32(r.RecvTime), strconv.Itoa(r.Len)}
}

// RTT is emitted by sensor on each decoded acknowledgement.
// All times are in sensor outgoing timebase.
type RTT struct {
	Seq  uint32
	T0   uint32
	TAck uint32
	RTT  uint32
	Len  int
}

func (RTT) Kind() string { return "RTT" }
func (r RTT) Fields() []string {
	return []string{u32(r.Seq), u32(r.T0), u32(r.TAck), u32(r.RTT), strconv.Itoa(r.Len)}
}

func u32(x uint32) string { return strconv.FormatUint(uint64(x), 10) }

type Sink interface {
	Write(Record) error
	Close() error
}

// Writer sink serializes lines into w. Closes w if it is io.Closer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*Writer)(nil) // compile-time interface test

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (s *Writer) Write(r Record) error {
	line := []byte(Line(r) + "\n")
	s.mu.Lock()
	defer s.mu.Unlock()
	return helpers.WriteAll(s.w, line)
}

func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Multi writes every record to all sinks, continues past errors.
type Multi []Sink

func (m Multi) Write(r Record) error {
	errs := make([]error, 0, len(m))
	for _, s := range m {
		errs = append(errs, s.Write(r))
	}
	return helpers.FoldErrors(errs)
}

func (m Multi) Close() error {
	errs := make([]error, 0, len(m))
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return helpers.FoldErrors(errs)
}

// Discard sink for nodes without record output.
type Discard struct{}

func (Discard) Write(Record) error { return nil }
func (Discard) Close() error       { return nil }
