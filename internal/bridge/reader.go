package bridge

import (
	"encoding/binary"
	"sync/atomic"
)

// PullFunc fills dst with the next samples of the stream.
type PullFunc func(dst []int16) error

// Reader exposes a pull-driven PCM stream as little-endian 16-bit bytes for
// players that read from an io.Reader. Reads of any size are served from a
// fixed chunk refilled through the pull function when drained. A failed pull
// is played as silence and counted, so Read never returns an error.
type Reader struct {
	pull    PullFunc
	samples []int16
	pcm     []byte
	pos     int

	underruns atomic.Uint64
}

// NewReader returns a Reader refilling chunkSamples samples per pull.
// chunkSamples should be a multiple of the engine block size.
func NewReader(chunkSamples int, pull PullFunc) *Reader {
	if chunkSamples <= 0 {
		chunkSamples = 1
	}
	r := &Reader{
		pull:    pull,
		samples: make([]int16, chunkSamples),
		pcm:     make([]byte, 2*chunkSamples),
	}
	r.pos = len(r.pcm)
	return r
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pos == len(r.pcm) {
			r.refill()
		}
		c := copy(p[n:], r.pcm[r.pos:])
		r.pos += c
		n += c
	}
	return n, nil
}

func (r *Reader) refill() {
	if err := r.pull(r.samples); err != nil {
		clear(r.samples)
		r.underruns.Add(1)
	}
	for i, s := range r.samples {
		binary.LittleEndian.PutUint16(r.pcm[2*i:], uint16(s))
	}
	r.pos = 0
}

// Underruns returns the number of pulls that failed and were replaced by
// silence.
func (r *Reader) Underruns() uint64 {
	return r.underruns.Load()
}
