// Package argtree translates host-supplied argument trees into OSC packets.
//
// A tree is a List. A List whose first element is a Message is a bundle of
// messages; any other List is a flat command whose first element is the String
// address. Only the first element is inspected to tell the two apart, so a
// flat command must never start with a nested Message.
package argtree

import "fmt"

// Value is a sealed interface over the node types of an argument tree.
type Value interface {
	value()
}

// Int is a 32-bit integer argument, tagged 'i'.
type Int int32

// Float is a 32-bit float argument, tagged 'f'.
type Float float32

// String is a string argument or a command address, tagged 's'.
type String string

// Message is a nested structured message: one element of a bundle.
type Message List

// Bool, Nil and Double can be decoded from host input but have no encoding
// here. The translator skips them.
type (
	Bool   bool
	Nil    struct{}
	Double float64
)

func (Int) value()     {}
func (Float) value()   {}
func (String) value()  {}
func (Message) value() {}
func (Bool) value()    {}
func (Nil) value()     {}
func (Double) value()  {}

// List is an ordered sequence of values forming one message or one bundle.
type List []Value

// Msg builds a nested Message from values.
func Msg(values ...Value) Message {
	return Message(values)
}

// IsBundle reports whether the list encodes as a bundle.
func (l List) IsBundle() bool {
	if len(l) == 0 {
		return false
	}
	_, ok := l[0].(Message)
	return ok
}

// FromAny converts plain Go values into a List. Nested []any become
// Messages; unknown types become Nil so they are skipped on encode.
func FromAny(values ...any) List {
	out := make(List, 0, len(values))
	for _, v := range values {
		out = append(out, fromAny(v))
	}
	return out
}

func fromAny(v any) Value {
	switch t := v.(type) {
	case Value:
		return t
	case int:
		return Int(t)
	case int32:
		return Int(t)
	case float32:
		return Float(t)
	case float64:
		return Double(t)
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case []any:
		return Message(FromAny(t...))
	default:
		return Nil{}
	}
}

func (i Int) String() string    { return fmt.Sprintf("%d", int32(i)) }
func (f Float) String() string  { return fmt.Sprintf("%g", float32(f)) }
func (d Double) String() string { return fmt.Sprintf("%g", float64(d)) }
