package oscserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
	"github.com/loqalabs/scbridge/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, disp Dispatcher) *Server {
	t.Helper()
	s := NewServer(context.Background(), config.OSCConfig{Enabled: true, Bind: "127.0.0.1", Port: 0}, disp, testLogger())
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	require.NotNil(t, s.Addr())
	return s
}

func dialClient(t *testing.T) net.PacketConn {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMessage(t *testing.T, c net.PacketConn) *osc.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagramSize)
	n, _, err := c.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := osc.ParsePacket(buf[:n])
	require.NoError(t, err)
	msg, ok := pkt.(*osc.Message)
	require.True(t, ok, "expected message, got %T", pkt)
	return msg
}

func TestServerRoundTrip(t *testing.T) {
	ctrl := synth.NewController(config.EngineConfig{
		Backend:              "mock",
		SampleRate:           44100,
		HardwareBufferFrames: 128,
		OutputChannels:       2,
		ShortsPerSample:      1,
		QuitTimeoutMS:        2000,
	}, engine.MockFactory, testLogger())
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })

	s := startServer(t, ctrl)
	client := dialClient(t)

	sync, err := osc.NewMessage("/sync", int32(3)).MarshalBinary()
	require.NoError(t, err)
	_, err = client.WriteTo(sync, s.Addr())
	require.NoError(t, err)

	msg := readMessage(t, client)
	assert.Equal(t, "/synced", msg.Address)
	assert.Equal(t, []any{int32(3)}, msg.Arguments)

	unknown, err := osc.NewMessage("/bogus").MarshalBinary()
	require.NoError(t, err)
	_, err = client.WriteTo(unknown, s.Addr())
	require.NoError(t, err)

	msg = readMessage(t, client)
	assert.Equal(t, "/fail", msg.Address)
	assert.Equal(t, uint64(2), s.Received())
}

// recordingDispatcher captures dispatched packets without an engine.
type recordingDispatcher struct {
	packets chan []byte
}

func (d *recordingDispatcher) DispatchPacket(source string, packet []byte, reply engine.ReplyFunc) bool {
	d.packets <- append([]byte(nil), packet...)
	return true
}

func TestServerRejectsMalformedPackets(t *testing.T) {
	d := &recordingDispatcher{packets: make(chan []byte, 4)}
	s := startServer(t, d)
	client := dialClient(t)

	_, err := client.WriteTo([]byte("garbage"), s.Addr())
	require.NoError(t, err)
	status, err := osc.NewMessage("/status").MarshalBinary()
	require.NoError(t, err)
	_, err = client.WriteTo(status, s.Addr())
	require.NoError(t, err)

	select {
	case got := <-d.packets:
		assert.Equal(t, status, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected /status to be dispatched")
	}
	assert.Equal(t, uint64(1), s.Rejected())
	assert.Equal(t, uint64(1), s.Received())
}

func TestServerDisabled(t *testing.T) {
	s := NewServer(context.Background(), config.OSCConfig{Enabled: false}, &recordingDispatcher{}, testLogger())
	require.NoError(t, s.Start())
	assert.Nil(t, s.Addr())
	assert.True(t, s.Healthy())
	s.Close()
}
