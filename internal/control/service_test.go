package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/scbridge/internal/bus"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/natsserver"
	"github.com/loqalabs/scbridge/internal/osc"
	"github.com/loqalabs/scbridge/internal/protocol"
	"github.com/loqalabs/scbridge/internal/synth"
)

const requestTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	conn *nats.Conn
	ctrl *synth.Controller

	mu   sync.Mutex
	mock *engine.Mock
}

func (f *fixture) build(opts engine.Options) (engine.Engine, error) {
	m, err := engine.NewMock(opts)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.mock = m
	f.mu.Unlock()
	return m, nil
}

func (f *fixture) engine() *engine.Mock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	f := &fixture{conn: conn}
	f.ctrl = synth.NewController(config.EngineConfig{
		Backend:              "mock",
		SampleRate:           44100,
		HardwareBufferFrames: 128,
		OutputChannels:       2,
		ShortsPerSample:      1,
		QuitTimeoutMS:        2000,
	}, f.build, log)
	t.Cleanup(func() { _ = f.ctrl.Stop(context.Background()) })

	svc := NewService(context.Background(), config.ControlConfig{Enabled: true, PublishReplies: true}, "node-test", client, f.ctrl, log)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())
	return f
}

func (f *fixture) ack(t *testing.T, subject string, data []byte) protocol.Ack {
	t.Helper()
	msg, err := f.conn.Request(subject, data, requestTimeout)
	require.NoError(t, err)
	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	return ack
}

func (f *fixture) status(t *testing.T) StatusMessage {
	t.Helper()
	msg, err := f.conn.Request(protocol.SubjectStatus, nil, requestTimeout)
	require.NoError(t, err)
	var st StatusMessage
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	return st
}

func encode(t *testing.T, addr string, args ...any) []byte {
	t.Helper()
	data, err := osc.NewMessage(addr, args...).MarshalBinary()
	require.NoError(t, err)
	return data
}

func TestServiceBeforeStart(t *testing.T) {
	f := newFixture(t)

	st := f.status(t)
	assert.Equal(t, "node-test", st.NodeID)
	assert.Equal(t, synth.StateUninitialized.String(), st.State)
	assert.False(t, st.Running)

	ack := f.ack(t, protocol.SubjectOSCPacket, encode(t, "/status"))
	assert.False(t, ack.Accepted)
	assert.Equal(t, synth.ErrNotRunning.Error(), ack.Error)

	ack = f.ack(t, protocol.SubjectOSCPacket, []byte("not osc"))
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Error)
}

func TestServiceLifecycleAndDispatch(t *testing.T) {
	f := newFixture(t)

	replies, err := f.conn.SubscribeSync(protocol.SubjectOSCReply)
	require.NoError(t, err)
	require.NoError(t, f.conn.Flush())

	ack := f.ack(t, protocol.SubjectEngineStart, nil)
	require.True(t, ack.Accepted, ack.Error)
	assert.True(t, f.status(t).Running)

	ack = f.ack(t, protocol.SubjectEngineStart, nil)
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Error, "already started")

	ack = f.ack(t, protocol.SubjectOSCTree, []byte(`["/sync", 7]`))
	require.True(t, ack.Accepted, ack.Error)

	msg, err := replies.NextMsg(requestTimeout)
	require.NoError(t, err)
	pkt, err := osc.ParsePacket(msg.Data)
	require.NoError(t, err)
	synced, ok := pkt.(*osc.Message)
	require.True(t, ok)
	assert.Equal(t, "/synced", synced.Address)
	assert.Equal(t, []any{int32(7)}, synced.Arguments)

	ack = f.ack(t, protocol.SubjectSynthNew, []byte(`{"name":"sine"}`))
	require.True(t, ack.Accepted, ack.Error)
	require.Eventually(t, func() bool {
		for _, n := range f.engine().Nodes() {
			if n.Def == "sine" {
				return true
			}
		}
		return false
	}, requestTimeout, 10*time.Millisecond)

	ack = f.ack(t, protocol.SubjectOSCPacket, encode(t, "/n_free", int32(-2)))
	assert.True(t, ack.Accepted, ack.Error)

	ack = f.ack(t, protocol.SubjectEngineQuit, nil)
	require.True(t, ack.Accepted, ack.Error)
	st := f.status(t)
	assert.Equal(t, synth.StateTerminated.String(), st.State)
	assert.False(t, st.Running)
}

func TestServiceRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.ack(t, protocol.SubjectEngineStart, nil).Accepted)

	cases := []struct {
		name    string
		subject string
		payload []byte
	}{
		{"invalid json", protocol.SubjectOSCTree, []byte(`{"not":"a list"}`)},
		{"empty tree", protocol.SubjectOSCTree, []byte(`[]`)},
		{"no address", protocol.SubjectOSCTree, []byte(`[1, 2]`)},
		{"no synth name", protocol.SubjectSynthNew, []byte(`{}`)},
	}
	for _, tc := range cases {
		ack := f.ack(t, tc.subject, tc.payload)
		assert.False(t, ack.Accepted, tc.name)
		assert.NotEmpty(t, ack.Error, tc.name)
	}
}
