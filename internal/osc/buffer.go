package osc

import (
	"encoding/binary"
	"math"
)

const (
	bit32Size = 4
	bit64Size = 8

	// MaxPacketSize is the largest packet that fits a single UDP datagram.
	MaxPacketSize = 65507

	defaultCapacity = 8192
	bundleTagString = "#bundle"
)

type frameKind uint8

const (
	bundleFrame frameKind = iota + 1
	messageFrame
)

type frame struct {
	kind   frameKind
	offset int
}

// Buffer accumulates a single OSC packet. Every append leaves the write cursor
// 32-bit aligned. Bundles and their length-prefixed elements are tracked on a
// frame stack so nested bundles patch their own length fields.
//
// Calling the framing methods out of order (CloseBundle without OpenBundle,
// EndMessage without BeginMessage, ...) panics. Such sequences only arise from
// bugs in the caller, never from packet content.
type Buffer struct {
	data   []byte
	frames []frame
	tagPos int
	tagEnd int
}

// NewBuffer returns an empty buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{data: make([]byte, 0, capacity), tagPos: -1}
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Depth returns the number of open bundle and message frames.
func (b *Buffer) Depth() int { return len(b.frames) }

// Bytes returns the encoded packet. The slice aliases the buffer and is only
// valid until the next write or Reset.
func (b *Buffer) Bytes() []byte {
	if len(b.frames) > 0 {
		panic("osc: Bytes called with unclosed bundle or message")
	}
	return b.data
}

// Reset empties the buffer, keeping its storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.frames = b.frames[:0]
	b.tagPos = -1
	b.tagEnd = 0
}

// grow extends the buffer by n zeroed bytes and returns them.
func (b *Buffer) grow(n int) []byte {
	l := len(b.data)
	if cap(b.data)-l < n {
		next := make([]byte, l, 2*cap(b.data)+n)
		copy(next, b.data)
		b.data = next
	}
	b.data = b.data[:l+n]
	w := b.data[l:]
	clear(w)
	return w
}

// AppendInt32 writes a big-endian int32.
func (b *Buffer) AppendInt32(v int32) {
	binary.BigEndian.PutUint32(b.grow(bit32Size), uint32(v))
}

// AppendFloat32 writes a big-endian IEEE-754 float32.
func (b *Buffer) AppendFloat32(v float32) {
	binary.BigEndian.PutUint32(b.grow(bit32Size), math.Float32bits(v))
}

// AppendInt64 writes a big-endian int64.
func (b *Buffer) AppendInt64(v int64) {
	binary.BigEndian.PutUint64(b.grow(bit64Size), uint64(v))
}

// AppendFloat64 writes a big-endian IEEE-754 float64.
func (b *Buffer) AppendFloat64(v float64) {
	binary.BigEndian.PutUint64(b.grow(bit64Size), math.Float64bits(v))
}

// AppendTimetag writes a 64-bit NTP time tag.
func (b *Buffer) AppendTimetag(t Timetag) {
	binary.BigEndian.PutUint64(b.grow(bit64Size), uint64(t))
}

// AppendString writes s followed by a NUL terminator and zero padding up to
// the next 4-byte boundary.
func (b *Buffer) AppendString(s string) {
	n := len(s) + 1
	copy(b.grow(n+padBytesNeeded(n)), s)
}

// AppendBlob writes a length-prefixed blob padded to 4 bytes.
func (b *Buffer) AppendBlob(p []byte) {
	b.AppendInt32(int32(len(p)))
	copy(b.grow(len(p)+padBytesNeeded(len(p))), p)
}

// BeginTags reserves a type tag string for argCount arguments and writes the
// leading comma. Tags are filled in afterwards with AppendTag while argument
// payloads are appended after the reserved region.
func (b *Buffer) BeginTags(argCount int) {
	if argCount < 0 {
		panic("osc: negative argument count")
	}
	n := argCount + 2 // ',' + tags + NUL
	w := b.grow(n + padBytesNeeded(n))
	w[0] = ','
	b.tagPos = len(b.data) - len(w) + 1
	b.tagEnd = b.tagPos + argCount
}

// AppendTag writes the next type tag character into the reserved tag string.
func (b *Buffer) AppendTag(c byte) {
	if b.tagPos < 0 || b.tagPos >= b.tagEnd {
		panic("osc: AppendTag outside reserved tag string")
	}
	b.data[b.tagPos] = c
	b.tagPos++
}

// OpenBundle starts a bundle with the given time tag. A bundle is either the
// whole packet or the content of an element opened with BeginMessage.
func (b *Buffer) OpenBundle(t Timetag) {
	if n := len(b.frames); n == 0 {
		if len(b.data) > 0 {
			panic("osc: OpenBundle after top-level content")
		}
	} else if b.frames[n-1].kind != messageFrame {
		panic("osc: OpenBundle inside a bundle without BeginMessage")
	}
	b.AppendString(bundleTagString)
	b.AppendTimetag(t)
	b.frames = append(b.frames, frame{kind: bundleFrame, offset: len(b.data)})
}

// CloseBundle closes the innermost open bundle.
func (b *Buffer) CloseBundle() {
	b.pop(bundleFrame, "osc: CloseBundle without matching OpenBundle")
}

// BeginMessage starts a bundle element by writing a length placeholder.
func (b *Buffer) BeginMessage() {
	if n := len(b.frames); n == 0 || b.frames[n-1].kind != bundleFrame {
		panic("osc: BeginMessage outside a bundle")
	}
	offset := len(b.data)
	b.grow(bit32Size)
	b.frames = append(b.frames, frame{kind: messageFrame, offset: offset})
	b.tagPos = -1
}

// EndMessage patches the length placeholder written by the matching
// BeginMessage with the number of bytes written since.
func (b *Buffer) EndMessage() {
	f := b.pop(messageFrame, "osc: EndMessage without matching BeginMessage")
	size := len(b.data) - f.offset - bit32Size
	binary.BigEndian.PutUint32(b.data[f.offset:], uint32(size))
	b.tagPos = -1
}

func (b *Buffer) pop(kind frameKind, msg string) frame {
	n := len(b.frames)
	if n == 0 || b.frames[n-1].kind != kind {
		panic(msg)
	}
	f := b.frames[n-1]
	b.frames = b.frames[:n-1]
	return f
}

// padBytesNeeded determines how many bytes are needed to fill up to the next 4
// byte length.
func padBytesNeeded(elementLen int) int {
	return (4 - (elementLen % 4)) % 4
}
