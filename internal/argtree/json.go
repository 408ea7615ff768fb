package argtree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseJSON decodes a JSON array into a List. Nested arrays become Messages.
// Integral numbers become Int and numbers written with a fraction or exponent
// become Float; either must fit in 32 bits. Booleans and null decode to Bool
// and Nil, which the translator skips.
func ParseJSON(data []byte) (List, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode argument tree: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode argument tree: trailing data")
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("decode argument tree: expected array, got %T", raw)
	}
	return fromJSON(arr)
}

func fromJSON(arr []any) (List, error) {
	out := make(List, 0, len(arr))
	for i, raw := range arr {
		var v Value
		switch t := raw.(type) {
		case []any:
			nested, err := fromJSON(t)
			if err != nil {
				return nil, err
			}
			v = Message(nested)
		case json.Number:
			n, err := numberValue(t)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			v = n
		case string:
			v = String(t)
		case bool:
			v = Bool(t)
		case nil:
			v = Nil{}
		default:
			return nil, fmt.Errorf("element %d: unsupported JSON value %T", i, raw)
		}
		out = append(out, v)
	}
	return out, nil
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("float %s out of range", s)
		}
		return Float(f), nil
	}
	i, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("integer %s out of range", s)
	}
	return Int(i), nil
}

// UnmarshalJSON implements json.Unmarshaler using ParseJSON.
func (l *List) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// MarshalJSON implements json.Marshaler. A List produced by ParseJSON
// marshals back to JSON that parses to an equal List.
func (l List) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSON(l))
}

func toJSON(l List) []any {
	out := make([]any, 0, len(l))
	for _, v := range l {
		switch t := v.(type) {
		case Message:
			out = append(out, toJSON(List(t)))
		case Int:
			out = append(out, int32(t))
		case Float:
			out = append(out, t)
		case String:
			out = append(out, string(t))
		case Bool:
			out = append(out, bool(t))
		case Double:
			out = append(out, float64(t))
		default:
			out = append(out, nil)
		}
	}
	return out
}

// MarshalJSON always writes a fraction or exponent so the value decodes back
// as a Float.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("argtree: cannot encode %v as JSON", v)
	}
	s := strconv.FormatFloat(v, 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}
