package osc

import (
	"encoding/binary"
	"time"
)

const secondsFrom1900To1970 = 2208988800

// Immediate is the special time tag meaning "execute on receipt".
const Immediate Timetag = 1

// Timetag is an OSC time tag: a 64-bit NTP timestamp. The upper 32 bits count
// seconds since 1900-01-01, the lower 32 bits are the fractional second.
type Timetag uint64

// NewTimetagFromTime converts t into a time tag.
func NewTimetagFromTime(t time.Time) Timetag {
	secs := uint64(t.Unix() + secondsFrom1900To1970)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timetag(secs<<32 | frac)
}

// Seconds returns the seconds since 1900.
func (t Timetag) Seconds() uint32 { return uint32(t >> 32) }

// Fraction returns the fractional second.
func (t Timetag) Fraction() uint32 { return uint32(t) }

// Time converts the time tag back into a time.Time. Immediate maps to the zero
// time.
func (t Timetag) Time() time.Time {
	if t == Immediate {
		return time.Time{}
	}
	nanos := (uint64(t.Fraction()) * uint64(time.Second)) >> 32
	return time.Unix(int64(t.Seconds())-secondsFrom1900To1970, int64(nanos))
}

// ExpiresIn returns how long until the time tag is due, or zero if it is
// immediate or in the past.
func (t Timetag) ExpiresIn() time.Duration {
	if t <= Immediate {
		return 0
	}
	if d := time.Until(t.Time()); d > 0 {
		return d
	}
	return 0
}

// MarshalBinary encodes the time tag as 8 big-endian bytes.
func (t Timetag) MarshalBinary() ([]byte, error) {
	b := make([]byte, bit64Size)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b, nil
}
