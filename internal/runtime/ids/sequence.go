package ids

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Sequence combines a start timestamp with an atomic counter. IDs are unique
// per generator and strictly increasing in counter order.
type Sequence struct {
	prefix string
	seq    atomic.Int64
}

// NewSequence returns a generator whose IDs look like "<prefix>-<unixms>-<n>".
func NewSequence(prefix string) *Sequence {
	return NewSequenceAt(prefix, time.Now())
}

// NewSequenceAt pins the timestamp component, which keeps IDs deterministic in tests.
func NewSequenceAt(prefix string, start time.Time) *Sequence {
	p := strconv.FormatInt(start.UnixMilli(), 10)
	if prefix != "" {
		p = prefix + "-" + p
	}
	return &Sequence{prefix: p}
}

// NewID returns the next identifier.
func (s *Sequence) NewID() string {
	return s.prefix + "-" + strconv.FormatInt(s.seq.Add(1), 10)
}

// Current returns the last issued counter value.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
