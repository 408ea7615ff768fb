package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShortPacket = errors.New("osc: packet truncated")

// ParsePacket decodes a message or bundle. The returned packet does not alias
// data.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, errors.New("osc: empty packet")
	}
	if len(data)%bit32Size != 0 {
		return nil, fmt.Errorf("osc: packet length %d is not 32-bit aligned", len(data))
	}
	switch data[0] {
	case '/':
		m, err := parseMessage(data)
		if err != nil {
			return nil, err
		}
		return m, nil
	case '#':
		b, err := parseBundle(data)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("osc: invalid packet start %q", data[0])
	}
}

func parseMessage(data []byte) (*Message, error) {
	addr, n, err := parsePaddedString(data)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	data = data[n:]
	msg := &Message{Address: addr}
	if len(data) == 0 {
		return msg, nil
	}

	tags, n, err := parsePaddedString(data)
	if err != nil {
		return nil, fmt.Errorf("parse type tags: %w", err)
	}
	if len(tags) == 0 || tags[0] != ',' {
		return nil, fmt.Errorf("osc: unsupported type tag string %q", tags)
	}
	data = data[n:]

	if len(tags) > 1 {
		msg.Arguments = make([]any, 0, len(tags)-1)
	}
	for i := 1; i < len(tags); i++ {
		var arg any
		switch TypeTag(tags[i]) {
		case TypeInt32:
			if len(data) < bit32Size {
				return nil, errShortPacket
			}
			arg = int32(binary.BigEndian.Uint32(data))
			data = data[bit32Size:]
		case TypeFloat32:
			if len(data) < bit32Size {
				return nil, errShortPacket
			}
			arg = math.Float32frombits(binary.BigEndian.Uint32(data))
			data = data[bit32Size:]
		case TypeInt64:
			if len(data) < bit64Size {
				return nil, errShortPacket
			}
			arg = int64(binary.BigEndian.Uint64(data))
			data = data[bit64Size:]
		case TypeFloat64:
			if len(data) < bit64Size {
				return nil, errShortPacket
			}
			arg = math.Float64frombits(binary.BigEndian.Uint64(data))
			data = data[bit64Size:]
		case TypeTimetag:
			if len(data) < bit64Size {
				return nil, errShortPacket
			}
			arg = Timetag(binary.BigEndian.Uint64(data))
			data = data[bit64Size:]
		case TypeString:
			s, n, err := parsePaddedString(data)
			if err != nil {
				return nil, fmt.Errorf("parse string argument: %w", err)
			}
			arg = s
			data = data[n:]
		case TypeBlob:
			blob, n, err := parseBlob(data)
			if err != nil {
				return nil, err
			}
			arg = blob
			data = data[n:]
		case TypeTrue:
			arg = true
		case TypeFalse:
			arg = false
		case TypeNil:
			arg = nil
		default:
			return nil, fmt.Errorf("osc: unsupported type tag %q", tags[i])
		}
		msg.Arguments = append(msg.Arguments, arg)
	}
	return msg, nil
}

func parseBundle(data []byte) (*Bundle, error) {
	tag, n, err := parsePaddedString(data)
	if err != nil {
		return nil, err
	}
	if tag != bundleTagString {
		return nil, fmt.Errorf("osc: invalid bundle tag %q", tag)
	}
	data = data[n:]
	if len(data) < bit64Size {
		return nil, errShortPacket
	}
	b := &Bundle{Timetag: Timetag(binary.BigEndian.Uint64(data))}
	data = data[bit64Size:]

	for len(data) > 0 {
		if len(data) < bit32Size {
			return nil, errShortPacket
		}
		length := int(binary.BigEndian.Uint32(data))
		data = data[bit32Size:]
		if length <= 0 || length > len(data) || length%bit32Size != 0 {
			return nil, fmt.Errorf("osc: invalid bundle element length %d", length)
		}
		elem, err := ParsePacket(data[:length])
		if err != nil {
			return nil, err
		}
		b.Elements = append(b.Elements, elem)
		data = data[length:]
	}
	return b, nil
}

// parsePaddedString reads a NUL terminated, 4-byte padded string and returns
// it with the number of bytes consumed.
func parsePaddedString(data []byte) (string, int, error) {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return "", 0, errors.New("osc: unterminated string")
	}
	n := pos + 1
	n += padBytesNeeded(n)
	if n > len(data) {
		return "", 0, errShortPacket
	}
	return string(data[:pos]), n, nil
}

func parseBlob(data []byte) ([]byte, int, error) {
	if len(data) < bit32Size {
		return nil, 0, errShortPacket
	}
	size := int(int32(binary.BigEndian.Uint32(data)))
	if size < 0 || size > len(data)-bit32Size {
		return nil, 0, fmt.Errorf("osc: invalid blob length %d", size)
	}
	n := bit32Size + size
	n += padBytesNeeded(n)
	if n > len(data) {
		return nil, 0, errShortPacket
	}
	return append([]byte(nil), data[bit32Size:bit32Size+size]...), n, nil
}
