package osc

import (
	"encoding"
	"errors"
	"fmt"
	"strings"
)

// ErrPacketTooLarge is returned when an encoded packet exceeds MaxPacketSize.
var ErrPacketTooLarge = errors.New("osc: packet too large")

// ErrEmbeddedNUL is returned for an address or string argument containing a
// NUL byte. OSC strings are NUL-terminated, so the rest of the packet would
// be read from the wrong offset.
var ErrEmbeddedNUL = errors.New("osc: string contains NUL byte")

// TypeTag identifies an argument type in a type tag string.
type TypeTag byte

const (
	TypeInt32   TypeTag = 'i'
	TypeFloat32 TypeTag = 'f'
	TypeString  TypeTag = 's'
	TypeBlob    TypeTag = 'b'
	TypeInt64   TypeTag = 'h'
	TypeFloat64 TypeTag = 'd'
	TypeTimetag TypeTag = 't'
	TypeTrue    TypeTag = 'T'
	TypeFalse   TypeTag = 'F'
	TypeNil     TypeTag = 'N'
	TypeInvalid TypeTag = 0
)

// ToTypeTag returns the tag for a Go argument value, or TypeInvalid.
func ToTypeTag(arg any) TypeTag {
	switch t := arg.(type) {
	case int32:
		return TypeInt32
	case float32:
		return TypeFloat32
	case string:
		return TypeString
	case []byte:
		return TypeBlob
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case Timetag:
		return TypeTimetag
	case bool:
		if t {
			return TypeTrue
		}
		return TypeFalse
	case nil:
		return TypeNil
	default:
		return TypeInvalid
	}
}

// Packet is either a *Message or a *Bundle.
type Packet interface {
	encoding.BinaryMarshaler
	fmt.Stringer
	// Encode appends the packet to b.
	Encode(b *Buffer) error
	validate() error
}

// Message is a single OSC message: an address and its arguments.
type Message struct {
	Address   string
	Arguments []any
}

// Bundle groups packets under one time tag.
type Bundle struct {
	Timetag  Timetag
	Elements []Packet
}

var (
	_ Packet = (*Message)(nil)
	_ Packet = (*Bundle)(nil)
)

// NewMessage returns a message for addr with the given arguments.
func NewMessage(addr string, args ...any) *Message {
	return &Message{Address: addr, Arguments: args}
}

// NewBundle returns an immediate bundle holding elems.
func NewBundle(elems ...Packet) *Bundle {
	return &Bundle{Timetag: Immediate, Elements: elems}
}

// TypeTags returns the type tag string, including the leading comma.
func (m *Message) TypeTags() (string, error) {
	var sb strings.Builder
	sb.WriteByte(',')
	for _, arg := range m.Arguments {
		tag := ToTypeTag(arg)
		if tag == TypeInvalid {
			return "", fmt.Errorf("osc: unsupported argument type %T", arg)
		}
		sb.WriteByte(byte(tag))
	}
	return sb.String(), nil
}

func (m *Message) validate() error {
	if !strings.HasPrefix(m.Address, "/") {
		return fmt.Errorf("osc: invalid address %q", m.Address)
	}
	if strings.IndexByte(m.Address, 0) >= 0 {
		return fmt.Errorf("%w: address %q", ErrEmbeddedNUL, m.Address)
	}
	for i, arg := range m.Arguments {
		if s, ok := arg.(string); ok && strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%w: argument %d", ErrEmbeddedNUL, i)
		}
	}
	_, err := m.TypeTags()
	return err
}

// Encode appends the message: address, type tag string, then payloads.
func (m *Message) Encode(b *Buffer) error {
	if err := m.validate(); err != nil {
		return err
	}
	m.encode(b)
	return nil
}

func (m *Message) encode(b *Buffer) {
	b.AppendString(m.Address)
	b.BeginTags(len(m.Arguments))
	for _, arg := range m.Arguments {
		b.AppendTag(byte(ToTypeTag(arg)))
		switch t := arg.(type) {
		case int32:
			b.AppendInt32(t)
		case float32:
			b.AppendFloat32(t)
		case string:
			b.AppendString(t)
		case []byte:
			b.AppendBlob(t)
		case int64:
			b.AppendInt64(t)
		case float64:
			b.AppendFloat64(t)
		case Timetag:
			b.AppendTimetag(t)
		}
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Message) MarshalBinary() ([]byte, error) {
	return marshal(m)
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(m.Address)
	if tags, err := m.TypeTags(); err == nil {
		sb.WriteByte(' ')
		sb.WriteString(tags)
	}
	for _, arg := range m.Arguments {
		switch t := arg.(type) {
		case nil:
			sb.WriteString(" Nil")
		case []byte:
			fmt.Fprintf(&sb, " blob(%d)", len(t))
		case Timetag:
			fmt.Fprintf(&sb, " %d", uint64(t))
		default:
			fmt.Fprintf(&sb, " %v", t)
		}
	}
	return sb.String()
}

func (b *Bundle) validate() error {
	for _, elem := range b.Elements {
		if elem == nil {
			return errors.New("osc: nil bundle element")
		}
		if err := elem.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Encode appends the bundle and, recursively, its length-prefixed elements.
func (b *Bundle) Encode(buf *Buffer) error {
	if err := b.validate(); err != nil {
		return err
	}
	b.encode(buf)
	return nil
}

func (b *Bundle) encode(buf *Buffer) {
	buf.OpenBundle(b.Timetag)
	for _, elem := range b.Elements {
		buf.BeginMessage()
		switch e := elem.(type) {
		case *Message:
			e.encode(buf)
		case *Bundle:
			e.encode(buf)
		}
		buf.EndMessage()
	}
	buf.CloseBundle()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	return marshal(b)
}

// String implements fmt.Stringer.
func (b *Bundle) String() string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "#bundle %d [", uint64(b.Timetag))
	for i, elem := range b.Elements {
		if i > 0 {
			sb.WriteString("; ")
		}
		if s, ok := elem.(fmt.Stringer); ok {
			sb.WriteString(s.String())
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func marshal(p Packet) ([]byte, error) {
	buf := NewBuffer(0)
	if err := p.Encode(buf); err != nil {
		return nil, err
	}
	if buf.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, buf.Len())
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
