package argtree

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/scbridge/internal/osc"
)

func TestTranslate_FlatCommand(t *testing.T) {
	list := List{String("/s_new"), String("sine"), Int(1000), Float(0.5)}

	data, err := Encode(list)
	require.NoError(t, err)
	assert.Equal(t, "/s_new\x00\x00", string(data[0:8]))
	assert.Equal(t, ",sif\x00\x00\x00\x00", string(data[8:16]))
	assert.Equal(t, "sine\x00\x00\x00\x00", string(data[16:24]))
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0xe8}, data[24:28])
	assert.Equal(t, []byte{0x3f, 0x00, 0x00, 0x00}, data[28:32])
	assert.Len(t, data, 32)

	want, err := osc.NewMessage("/s_new", "sine", int32(1000), float32(0.5)).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestTranslate_NestedBecomesBundle(t *testing.T) {
	list := List{
		Msg(String("/g_new"), Int(1), Int(0), Int(0)),
		Msg(String("/s_new"), String("sine"), Int(1000)),
	}
	require.True(t, list.IsBundle())

	data, err := Encode(list)
	require.NoError(t, err)

	p, err := osc.ParsePacket(data)
	require.NoError(t, err)
	want := osc.NewBundle(
		osc.NewMessage("/g_new", int32(1), int32(0), int32(0)),
		osc.NewMessage("/s_new", "sine", int32(1000)),
	)
	assert.Equal(t, want, p)
}

func TestTranslate_NestedBundleInBundle(t *testing.T) {
	list := List{
		Msg(String("/g_new"), Int(2)),
		Msg(Msg(String("/n_free"), Int(1000)), Msg(String("/n_free"), Int(1001))),
	}
	data, err := Encode(list)
	require.NoError(t, err)

	p, err := osc.ParsePacket(data)
	require.NoError(t, err)
	want := osc.NewBundle(
		osc.NewMessage("/g_new", int32(2)),
		osc.NewBundle(
			osc.NewMessage("/n_free", int32(1000)),
			osc.NewMessage("/n_free", int32(1001)),
		),
	)
	assert.Equal(t, want, p)
}

func TestTranslate_SkipsUnsupported(t *testing.T) {
	list := List{String("/x"), Bool(true), Int(1), Nil{}, Double(2.5), String("a")}

	data, err := Encode(list)
	require.NoError(t, err)

	// Skipped values must not leave room for their tags either.
	want, err := osc.NewMessage("/x", int32(1), "a").MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestTranslate_BundleSkipsNonMessages(t *testing.T) {
	list := List{Msg(String("/a")), Int(3), Msg(), String("/b")}

	data, err := Encode(list)
	require.NoError(t, err)

	p, err := osc.ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, osc.NewBundle(osc.NewMessage("/a")), p)
}

func TestTranslate_Empty(t *testing.T) {
	buf := osc.NewBuffer(0)
	require.NoError(t, Translate(buf, nil))
	require.NoError(t, Translate(buf, List{}))
	assert.Zero(t, buf.Len())

	data, err := Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestTranslate_MissingAddress(t *testing.T) {
	for _, tt := range []struct {
		name string
		list List
	}{
		{"int first", List{Int(1), String("/a")}},
		{"bool first", List{Bool(true)}},
		{"nested without address", List{Msg(String("/ok")), Msg(Float(1))}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			buf := osc.NewBuffer(0)
			err := Translate(buf, tt.list)
			assert.True(t, errors.Is(err, ErrMissingAddress), "got %v", err)
			assert.Zero(t, buf.Len())
			assert.Zero(t, buf.Depth())
		})
	}
}

func TestTranslate_RejectsEmbeddedNUL(t *testing.T) {
	for _, tt := range []struct {
		name string
		list List
	}{
		{"argument", List{String("/x"), String("a\x00bcdefg"), Int(7)}},
		{"address", List{String("/x\x00y"), Int(1)}},
		{"in bundle", List{Msg(String("/ok")), Msg(String("/s_new"), String("de\x00f"))}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			buf := osc.NewBuffer(0)
			err := Translate(buf, tt.list)
			assert.ErrorIs(t, err, osc.ErrEmbeddedNUL)
			assert.Zero(t, buf.Len())
			assert.Zero(t, buf.Depth())
		})
	}

	data, err := Encode(List{String("/x"), String("abcdefg"), Int(7)})
	require.NoError(t, err)
	pkt, err := osc.ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"abcdefg", int32(7)}, pkt.(*osc.Message).Arguments)
}

func TestTranslate_InsideMessageFrame(t *testing.T) {
	buf := osc.NewBuffer(0)
	buf.OpenBundle(osc.Immediate)
	buf.BeginMessage()
	require.NoError(t, Translate(buf, List{String("/quit")}))
	buf.EndMessage()
	buf.CloseBundle()

	p, err := osc.ParsePacket(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, osc.NewBundle(osc.NewMessage("/quit")), p)
}

func TestTranslate_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		list List
		args []any
	}{
		{"address only", List{String("/status")}, nil},
		{"ints", List{String("/n_set"), Int(-1), Int(0), Int(1 << 30)}, []any{int32(-1), int32(0), int32(1 << 30)}},
		{"floats", List{String("/c_set"), Float(-0.25), Float(440)}, []any{float32(-0.25), float32(440)}},
		{"strings", List{String("/d_load"), String(""), String("abcd"), String("abcde")}, []any{"", "abcd", "abcde"}},
		{"lossy", List{String("/m"), Nil{}, Double(1), Bool(false), Float(1)}, []any{float32(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.list)
			require.NoError(t, err)
			require.Zero(t, len(data)%4)

			p, err := osc.ParsePacket(data)
			require.NoError(t, err)
			msg, ok := p.(*osc.Message)
			require.True(t, ok)
			assert.Equal(t, string(tt.list[0].(String)), msg.Address)
			assert.Equal(t, tt.args, msg.Arguments)
		})
	}
}

func TestEncode_TooLarge(t *testing.T) {
	_, err := Encode(List{String("/big"), String(strings.Repeat("x", osc.MaxPacketSize))})
	assert.True(t, errors.Is(err, osc.ErrPacketTooLarge))
}

func TestFromAny(t *testing.T) {
	got := FromAny("/s_new", "default", 1001, float32(0.5), 2.5, true, []any{"/n_free", 1001}, struct{}{})
	want := List{
		String("/s_new"), String("default"), Int(1001), Float(0.5), Double(2.5), Bool(true),
		Msg(String("/n_free"), Int(1001)), Nil{},
	}
	assert.Equal(t, want, got)
}
