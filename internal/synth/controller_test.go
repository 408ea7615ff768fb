package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/scbridge/internal/argtree"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		Backend:              "mock",
		SampleRate:           48000,
		HardwareBufferFrames: 256,
		OutputChannels:       2,
		ShortsPerSample:      1,
		QuitTimeoutMS:        2000,
	}
}

// mockFactory builds mock engines and remembers the last one.
type mockFactory struct {
	mu    sync.Mutex
	calls int
	last  *engine.Mock
}

func (f *mockFactory) build(opts engine.Options) (engine.Engine, error) {
	m, err := engine.NewMock(opts)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	f.last = m
	f.mu.Unlock()
	return m, nil
}

func (f *mockFactory) mock() *engine.Mock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestController(t *testing.T, cfg config.EngineConfig) (*Controller, *mockFactory) {
	t.Helper()
	f := &mockFactory{}
	c := NewController(cfg, f.build, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, f
}

func hasNode(m *engine.Mock, match func(engine.NodeInfo) bool) bool {
	for _, n := range m.Nodes() {
		if match(n) {
			return true
		}
	}
	return false
}

// stubEngine is a hand-driven engine for failure paths.
type stubEngine struct {
	running atomic.Bool
	block   int
	release chan struct{}
	closed  atomic.Bool
	sent    atomic.Int32

	refuseQuit atomic.Bool
}

func newStubEngine(running bool) *stubEngine {
	s := &stubEngine{block: 256, release: make(chan struct{})}
	s.running.Store(running)
	return s
}

func (s *stubEngine) Running() bool { return s.running.Load() }
func (s *stubEngine) SendPacket(packet []byte, reply engine.ReplyFunc) bool {
	s.sent.Add(1)
	if s.refuseQuit.Load() && bytes.HasPrefix(packet, []byte("/quit\x00")) {
		return false
	}
	return s.running.Load()
}
func (s *stubEngine) WaitForQuit()              { <-s.release }
func (s *stubEngine) BlockSamples() int         { return s.block }
func (s *stubEngine) GenerateBlock(dst []int16) {}
func (s *stubEngine) Close() error {
	s.closed.Store(true)
	return nil
}

func TestStart_DerivesOptionsAndBootstraps(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	opts, ok := c.Options()
	require.True(t, ok)
	assert.Equal(t, 128, opts.BlockSize, "block is hardware frames over output channels")
	assert.Equal(t, 0, opts.InputChannels)
	assert.Equal(t, 512, opts.Buffers)
	assert.Equal(t, 512, opts.GraphDefs)
	assert.Equal(t, 512, opts.WireBuffers)
	assert.Equal(t, 32, opts.AudioBusChannels)
	assert.Equal(t, 512, opts.RealTimeMemoryKB)
	assert.Equal(t, 16, opts.RNGs)
	assert.True(t, opts.LoadGraphDefs)
	assert.Equal(t, 512, c.ScratchSamples())

	m := f.mock()
	require.Eventually(t, func() bool {
		return hasNode(m, func(n engine.NodeInfo) bool { return n.ID == 1 && n.Group })
	}, 2*time.Second, 5*time.Millisecond, "root group not created")
	assert.Equal(t, uint64(1), c.Stats().Dispatched)
	assert.NotEmpty(t, c.Status().RunID)
}

func TestStart_Twice(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	scratch := c.ScratchSamples()

	err := c.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, scratch, c.ScratchSamples())
}

func TestStart_Failures(t *testing.T) {
	t.Run("factory error", func(t *testing.T) {
		c := NewController(testConfig(), func(engine.Options) (engine.Engine, error) {
			return nil, errors.New("no audio device")
		}, testLogger())
		err := c.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no audio device")
		assert.Equal(t, StateUninitialized, c.State())
		assert.Zero(t, c.ScratchSamples())
		assert.Equal(t, uint64(1), c.Stats().StartFailures)
	})

	t.Run("engine not running", func(t *testing.T) {
		stub := newStubEngine(false)
		c := NewController(testConfig(), func(engine.Options) (engine.Engine, error) { return stub, nil }, testLogger())
		err := c.Start(context.Background())
		require.Error(t, err)
		assert.True(t, stub.closed.Load(), "engine must be closed")
		assert.Zero(t, stub.sent.Load(), "no bootstrap packet")
		assert.False(t, c.Running())
		assert.Equal(t, StateUninitialized, c.State())
	})

	t.Run("scratch not a block multiple", func(t *testing.T) {
		cfg := testConfig()
		cfg.BlockSize = 96
		called := false
		c := NewController(cfg, func(engine.Options) (engine.Engine, error) {
			called = true
			return nil, nil
		}, testLogger())
		err := c.Start(context.Background())
		require.Error(t, err)
		assert.False(t, called)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.OutputChannels = 0
		c := NewController(cfg, engine.MockFactory, testLogger())
		assert.Error(t, c.Start(context.Background()))
	})
}

func TestStart_ExportsSearchPaths(t *testing.T) {
	t.Setenv("SC_PLUGIN_PATH", "")
	t.Setenv("SC_SYNTHDEF_PATH", "")
	cfg := testConfig()
	cfg.PluginPath = "/opt/sc/plugins"
	cfg.SynthDefPath = "/opt/sc/synthdefs"

	c, _ := newTestController(t, cfg)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "/opt/sc/plugins", os.Getenv("SC_PLUGIN_PATH"))
	assert.Equal(t, "/opt/sc/synthdefs", os.Getenv("SC_SYNTHDEF_PATH"))
}

func TestDispatchBeforeStart(t *testing.T) {
	c, _ := newTestController(t, testConfig())

	packet, err := osc.NewMessage("/status").MarshalBinary()
	require.NoError(t, err)
	assert.False(t, c.DispatchPacket("test", packet, nil))

	ok, err := c.MakeSynth("sine")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.SendControlMessage(context.Background(), argtree.List{argtree.String("/status")})
	assert.NoError(t, err)
	assert.False(t, ok)

	out := []int16{1, 2, 3}
	assert.True(t, errors.Is(c.GenerateAudio(out), ErrNotRunning))
	assert.Equal(t, []int16{0, 0, 0}, out)

	assert.True(t, errors.Is(c.Quit(context.Background()), ErrNotRunning))
	assert.Equal(t, uint64(3), c.Stats().Dropped)
	assert.Equal(t, StateUninitialized, c.State())
}

func TestMakeSynth(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	ok, err := c.MakeSynth("sine")
	require.NoError(t, err)
	require.True(t, ok)

	m := f.mock()
	require.Eventually(t, func() bool {
		return hasNode(m, func(n engine.NodeInfo) bool { return n.Def == "sine" })
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendControlMessage(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	replies := make(chan *osc.Message, 8)
	c.AddReplyHandler(func(packet []byte) {
		if p, err := osc.ParsePacket(packet); err == nil {
			if msg, ok := p.(*osc.Message); ok {
				replies <- msg
			}
		}
	})

	tree := argtree.List{
		argtree.Msg(argtree.String("/s_new"), argtree.String("pad"), argtree.Int(1000), argtree.Int(0), argtree.Int(1)),
		argtree.Msg(argtree.String("/sync"), argtree.Int(5)),
	}
	ok, err := c.SendControlMessage(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case msg := <-replies:
		assert.Equal(t, "/synced", msg.Address)
		assert.Equal(t, []any{int32(5)}, msg.Arguments)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	assert.True(t, hasNode(f.mock(), func(n engine.NodeInfo) bool { return n.ID == 1000 && n.Parent == 1 }))

	_, err = c.SendControlMessage(context.Background(), argtree.List{argtree.Int(1)})
	assert.True(t, errors.Is(err, argtree.ErrMissingAddress))

	ok, err = c.SendControlMessage(context.Background(), nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatchPacket_ExplicitReply(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	fanned := atomic.Int32{}
	c.AddReplyHandler(func([]byte) { fanned.Add(1) })

	got := make(chan []byte, 1)
	packet, err := osc.NewMessage("/sync", int32(9)).MarshalBinary()
	require.NoError(t, err)
	require.True(t, c.DispatchPacket("udp", packet, func(p []byte) { got <- append([]byte(nil), p...) }))

	select {
	case reply := <-got:
		p, err := osc.ParsePacket(reply)
		require.NoError(t, err)
		assert.Equal(t, osc.NewMessage("/synced", int32(9)), p)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	assert.Zero(t, fanned.Load(), "explicit reply bypasses handlers")
}

func TestGenerateAudio(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	out := make([]int16, c.ScratchSamples())
	require.NoError(t, c.GenerateAudio(out))
	assert.Equal(t, uint64(2), f.mock().Blocks(), "512 samples at 256 per block")

	assert.True(t, errors.Is(c.GenerateAudio(make([]int16, 100)), ErrBufferSize))
	assert.Equal(t, uint64(2), c.Stats().Pulls)
	assert.Equal(t, uint64(1), c.Stats().PullErrors)
}

func TestGenerateAudio_NoAllocations(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	out := make([]int16, c.ScratchSamples())
	allocs := testing.AllocsPerRun(50, func() {
		_ = c.GenerateAudio(out)
	})
	assert.Zero(t, allocs)
}

func TestQuitAndRestart(t *testing.T) {
	c, f := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	firstRun := c.Status().RunID

	require.NoError(t, c.Quit(context.Background()))
	assert.Zero(t, c.ScratchSamples(), "scratch released on quit")
	assert.False(t, c.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitTerminated(ctx))
	assert.Equal(t, StateTerminated, c.State())
	assert.True(t, errors.Is(c.Quit(context.Background()), ErrNotRunning))
	assert.True(t, errors.Is(c.GenerateAudio(make([]int16, 512)), ErrNotRunning))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 2, f.calls)
	assert.NotEqual(t, firstRun, c.Status().RunID)
}

func TestEngineQuitsOnItsOwn(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	packet, err := osc.NewMessage("/quit").MarshalBinary()
	require.NoError(t, err)
	require.True(t, c.DispatchPacket("udp", packet, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitTerminated(ctx))
	assert.Equal(t, StateTerminated, c.State())
	assert.False(t, c.Running())
}

func TestWaitTerminated_Timeout(t *testing.T) {
	stub := newStubEngine(true)
	c := NewController(testConfig(), func(engine.Options) (engine.Engine, error) { return stub, nil }, testLogger())
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Quit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.WaitTerminated(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateQuitting, c.State())

	close(stub.release)
	require.NoError(t, c.WaitTerminated(context.Background()))
	assert.Equal(t, StateTerminated, c.State())
}

func TestQuit_RefusedKeepsEngineRunning(t *testing.T) {
	stub := newStubEngine(true)
	stub.refuseQuit.Store(true)
	c := NewController(testConfig(), func(engine.Options) (engine.Engine, error) { return stub, nil }, testLogger())
	require.NoError(t, c.Start(context.Background()))
	runID := c.Status().RunID

	err := c.Quit(context.Background())
	require.ErrorIs(t, err, ErrQuitRefused)
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.Running())
	assert.Equal(t, runID, c.Status().RunID)
	assert.NotZero(t, c.ScratchSamples(), "audio path stays attached")
	assert.NoError(t, c.GenerateAudio(make([]int16, c.ScratchSamples())))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), ErrQuitRefused)
	assert.Equal(t, StateRunning, c.State())

	stub.refuseQuit.Store(false)
	require.NoError(t, c.Quit(context.Background()))
	assert.Equal(t, StateQuitting, c.State())
	assert.False(t, c.Running())

	close(stub.release)
	require.NoError(t, c.WaitTerminated(context.Background()))
	assert.Equal(t, StateTerminated, c.State())
}

func TestQuit_FreesInstanceAfterTermination(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	ref := weak.Make(c.live.Load())

	require.NoError(t, c.Quit(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitTerminated(ctx))

	require.Eventually(t, func() bool {
		runtime.GC()
		return ref.Value() == nil
	}, 2*time.Second, 10*time.Millisecond, "terminated instance still reachable")
}

type recordingJournal struct {
	mu      sync.Mutex
	started []string
	ended   []string
	sources []string
}

func (j *recordingJournal) RunStarted(runID string, _ engine.Options) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, runID)
}

func (j *recordingJournal) RunEnded(runID string, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, runID)
}

func (j *recordingJournal) PacketDispatched(_ string, source string, _ []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sources = append(j.sources, source)
}

func TestJournalHooks(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	j := &recordingJournal{}
	c.SetJournal(j)

	require.NoError(t, c.Start(context.Background()))
	_, err := c.MakeSynth("sine")
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.started, 1)
	assert.Equal(t, j.started, j.ended)
	assert.Equal(t, []string{SourceController, SourceAPI, SourceController}, j.sources)
}

func TestInitLogging(t *testing.T) {
	var out bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &out}, nil))
	c := NewController(testConfig(), engine.MockFactory, logger)
	t.Cleanup(func() { engine.SetPrintFunc(nil) })

	c.InitLogging()
	c.InitLogging()
	engine.Printf("loaded %d synth definitions", 12)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, out.String(), "loaded 12 synth definitions")
	assert.Contains(t, out.String(), "component=engine")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("loaded 12")))
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
