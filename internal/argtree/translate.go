package argtree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/scbridge/internal/osc"
)

// ErrMissingAddress is returned when a flat command does not start with a
// String address.
var ErrMissingAddress = errors.New("argtree: command must start with a string address")

// Translate appends list to buf as one OSC message or bundle. buf must be empty
// or positioned inside a BeginMessage frame.
//
// An empty list is a no-op. Values without an encoding (Bool, Nil, Double) are
// skipped: they contribute neither a type tag nor a payload. Inside a bundle,
// elements that are not non-empty Messages are skipped as well. The list is
// checked before anything is written, so a failed call leaves buf untouched.
// Strings containing a NUL byte are rejected with osc.ErrEmbeddedNUL.
func Translate(buf *osc.Buffer, list List) error {
	if err := check(list); err != nil {
		return err
	}
	translate(buf, list)
	return nil
}

// Encode translates list into a standalone packet. An empty list encodes to
// nil.
func Encode(list List) ([]byte, error) {
	if len(list) == 0 {
		return nil, nil
	}
	buf := osc.NewBuffer(0)
	if err := Translate(buf, list); err != nil {
		return nil, err
	}
	if buf.Len() > osc.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", osc.ErrPacketTooLarge, buf.Len())
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func check(list List) error {
	if len(list) == 0 {
		return nil
	}
	if list.IsBundle() {
		for i, v := range list {
			m, ok := v.(Message)
			if !ok || len(m) == 0 {
				continue
			}
			if err := check(List(m)); err != nil {
				return fmt.Errorf("bundle element %d: %w", i, err)
			}
		}
		return nil
	}
	if _, ok := list[0].(String); !ok {
		return fmt.Errorf("%w: got %T", ErrMissingAddress, list[0])
	}
	for i, v := range list {
		if s, ok := v.(String); ok && strings.IndexByte(string(s), 0) >= 0 {
			if i == 0 {
				return fmt.Errorf("%w: address %q", osc.ErrEmbeddedNUL, string(s))
			}
			return fmt.Errorf("%w: argument %d", osc.ErrEmbeddedNUL, i-1)
		}
	}
	return nil
}

func translate(buf *osc.Buffer, list List) {
	if len(list) == 0 {
		return
	}
	if list.IsBundle() {
		buf.OpenBundle(osc.Immediate)
		for _, v := range list {
			m, ok := v.(Message)
			if !ok || len(m) == 0 {
				continue
			}
			buf.BeginMessage()
			translate(buf, List(m))
			buf.EndMessage()
		}
		buf.CloseBundle()
		return
	}

	args := list[1:]
	buf.AppendString(string(list[0].(String)))
	buf.BeginTags(supported(args))
	for _, v := range args {
		switch t := v.(type) {
		case Int:
			buf.AppendTag(byte(osc.TypeInt32))
			buf.AppendInt32(int32(t))
		case Float:
			buf.AppendTag(byte(osc.TypeFloat32))
			buf.AppendFloat32(float32(t))
		case String:
			buf.AppendTag(byte(osc.TypeString))
			buf.AppendString(string(t))
		}
	}
}

// supported counts the arguments that will be encoded.
func supported(args List) int {
	n := 0
	for _, v := range args {
		switch v.(type) {
		case Int, Float, String:
			n++
		}
	}
	return n
}
