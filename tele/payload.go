package tele

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/juju/errors"
)

// Decode works on a bounded copy of input, like a fixed C buffer on the mote:
// at most limit-1 bytes are parsed and the rest silently dropped.
// Over-length input may thus decode with a truncated last field.
const (
	SampleLimit = 96
	SyncLimit   = 48
)

const (
	keySeq     = "seq"
	keyTime    = "t0"
	keySync    = "SYNC"
	keySyncVal = "t"
)

var ErrPayloadInvalid = fmt.Errorf("payload is invalid")

// Sample is one telemetry reading: sensor sequence and send time in ticks.
// Same grammar is used for acknowledgement echo from root.
//   seq=<u32> t0=<u32>
type Sample struct {
	Seq  uint32
	Time uint32
}

func (s Sample) Marshal() []byte {
	b := make([]byte, 0, 32)
	b = append(b, keySeq+"="...)
	b = strconv.AppendUint(b, uint64(s.Seq), 10)
	b = append(b, " "+keyTime+"="...)
	b = strconv.AppendUint(b, uint64(s.Time), 10)
	return b
}

func (s Sample) String() string { return fmt.Sprintf("seq=%d t0=%d", s.Seq, s.Time) }

func UnmarshalSample(b []byte) (Sample, error) {
	text := bounded(b, SampleLimit)
	first, rest, ok := cutSpace(text)
	if !ok {
		return Sample{}, errors.Annotate(ErrPayloadInvalid, "expected 2 fields")
	}
	seq, err := parseField(first, keySeq)
	if err != nil {
		return Sample{}, err
	}
	t, err := parseField(rest, keyTime)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Seq: seq, Time: t}, nil
}

// Sync carries root clock value toward sensors.
//   SYNC t=<u32>
type Sync struct {
	Time uint32
}

func (s Sync) Marshal() []byte {
	b := make([]byte, 0, 20)
	b = append(b, keySync+" "+keySyncVal+"="...)
	return strconv.AppendUint(b, uint64(s.Time), 10)
}

func (s Sync) String() string { return fmt.Sprintf("SYNC t=%d", s.Time) }

func UnmarshalSync(b []byte) (Sync, error) {
	text := bounded(b, SyncLimit)
	first, rest, ok := cutSpace(text)
	if !ok || !bytes.Equal(first, []byte(keySync)) {
		return Sync{}, errors.Annotate(ErrPayloadInvalid, "expected SYNC")
	}
	t, err := parseField(rest, keySyncVal)
	if err != nil {
		return Sync{}, err
	}
	return Sync{Time: t}, nil
}

func bounded(b []byte, limit int) []byte {
	if len(b) >= limit {
		b = b[:limit-1]
	}
	return b
}

// cutSpace splits exactly two tokens separated by exactly one space.
func cutSpace(b []byte) (first, rest []byte, ok bool) {
	i := bytes.IndexByte(b, ' ')
	if i <= 0 || i == len(b)-1 {
		return nil, nil, false
	}
	first, rest = b[:i], b[i+1:]
	if bytes.IndexByte(rest, ' ') >= 0 {
		return nil, nil, false
	}
	return first, rest, true
}

func parseField(token []byte, key string) (uint32, error) {
	if len(token) <= len(key)+1 || string(token[:len(key)]) != key || token[len(key)] != '=' {
		return 0, errors.Annotatef(ErrPayloadInvalid, "expected key=%s", key)
	}
	digits := token[len(key)+1:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, errors.Annotatef(ErrPayloadInvalid, "key=%s not decimal", key)
		}
	}
	v, err := strconv.ParseUint(string(digits), 10, 32)
	if err != nil {
		return 0, errors.Annotatef(ErrPayloadInvalid, "key=%s overflow", key)
	}
	return uint32(v), nil
}
