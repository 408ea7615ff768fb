// Package synth owns the synthesis engine's lifecycle. A Controller starts one
// engine at a time, gates packet dispatch on the engine's running flag and
// feeds the audio pull bridge from a scratch buffer sized at start.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/scbridge/internal/argtree"
	"github.com/loqalabs/scbridge/internal/bridge"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
)

const (
	instrumentationName = "github.com/loqalabs/scbridge/synth"

	// Fixed capacity planning values for the engine.
	numBuffers       = 512
	maxGraphDefs     = 512
	maxWireBufs      = 512
	audioBusChannels = 32
	realTimeMemoryKB = 512
	numRGens         = 16

	// Source labels for dispatched packets.
	SourceController = "controller"
	SourceAPI        = "api"
)

var (
	ErrAlreadyStarted = errors.New("synth: engine already started")
	ErrNotRunning     = errors.New("synth: engine not running")
	ErrBufferSize     = errors.New("synth: output buffer does not match scratch buffer size")
	ErrQuitRefused    = errors.New("synth: engine refused quit")
)

// Journal records engine runs and dispatched packets. Implementations must not
// block and must copy packet if they retain it.
type Journal interface {
	RunStarted(runID string, opts engine.Options)
	RunEnded(runID string, state string)
	PacketDispatched(runID, source string, packet []byte)
}

// instance is one started engine and the resources owned for its lifetime.
type instance struct {
	eng       engine.Engine
	opts      engine.Options
	runID     string
	scratch   []int16
	startedAt time.Time
	done      chan struct{}
}

// Controller owns a single engine instance. Start, Quit and dispatch are
// called from control goroutines; GenerateAudio from the audio thread, which
// never takes a lock.
type Controller struct {
	cfg     config.EngineConfig
	factory engine.Factory
	logger  *slog.Logger
	tracer  trace.Tracer
	journal Journal

	lifecycle sync.Mutex
	// lastDone closes when the most recently started engine terminates. The
	// instance itself is not retained, so its scratch buffer is freed once
	// the run-loop exits.
	lastDone  chan struct{}
	live      atomic.Pointer[instance]
	state     atomic.Int32

	// dispatchMu keeps packet order single-producer and guards buf.
	dispatchMu sync.Mutex
	buf        *osc.Buffer

	replyMu       sync.RWMutex
	replyHandlers []engine.ReplyFunc

	logOnce sync.Once
	stats   counters
}

func NewController(cfg config.EngineConfig, factory engine.Factory, log *slog.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		factory: factory,
		logger:  log.With(slog.String("component", "synth-controller")),
		tracer:  otel.Tracer(instrumentationName),
		buf:     osc.NewBuffer(0),
	}
	if err := c.registerMetrics(otel.Meter(instrumentationName)); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// SetJournal attaches a journal. It must be called before Start.
func (c *Controller) SetJournal(j Journal) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.journal = j
}

// AddReplyHandler registers fn for engine replies to packets dispatched
// without an explicit reply function.
func (c *Controller) AddReplyHandler(fn engine.ReplyFunc) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	c.replyHandlers = append(c.replyHandlers, fn)
}

// InitLogging routes engine diagnostics into the controller's logger.
func (c *Controller) InitLogging() {
	c.logOnce.Do(func() {
		log := c.logger.With(slog.String("component", "engine"))
		engine.SetPrintFunc(func(line string) {
			log.Info(line)
		})
	})
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Running reports whether packets are currently accepted.
func (c *Controller) Running() bool {
	inst := c.live.Load()
	return inst != nil && inst.eng.Running()
}

// Options returns the engine options of the live engine.
func (c *Controller) Options() (engine.Options, bool) {
	inst := c.live.Load()
	if inst == nil {
		return engine.Options{}, false
	}
	return inst.opts, true
}

// ScratchSamples is the sample count GenerateAudio expects, or 0 when no
// engine is live.
func (c *Controller) ScratchSamples() int {
	inst := c.live.Load()
	if inst == nil {
		return 0
	}
	return len(inst.scratch)
}

// Start derives the engine options, allocates the scratch buffer, constructs
// the engine and runs its loop on a new goroutine. Once the engine reports
// running the root group is created. Nothing is left allocated on failure.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	prev := c.State()
	if !prev.canStart() {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, prev)
	}

	_, span := c.tracer.Start(ctx, "synth.start")
	defer span.End()

	c.state.Store(int32(StateStarting))
	inst, err := c.start()
	if err != nil {
		c.state.Store(int32(prev))
		c.stats.startFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("engine start failed", slogError(err))
		return err
	}

	c.lastDone = inst.done
	c.live.Store(inst)
	c.state.Store(int32(StateRunning))
	c.stats.starts.Add(1)
	span.SetAttributes(
		attribute.String("run_id", inst.runID),
		attribute.Int("sample_rate", inst.opts.SampleRate),
		attribute.Int("block_size", inst.opts.BlockSize),
	)
	if c.journal != nil {
		c.journal.RunStarted(inst.runID, inst.opts)
	}

	go c.runLoop(inst)

	bootstrap, err := osc.NewMessage("/g_new", int32(1), int32(0), int32(0)).MarshalBinary()
	if err == nil {
		c.dispatchMu.Lock()
		c.sendLocked(inst, SourceController, bootstrap, nil)
		c.dispatchMu.Unlock()
	}

	c.logger.Info("engine started",
		slog.String("run_id", inst.runID),
		slog.Int("sample_rate", inst.opts.SampleRate),
		slog.Int("block_size", inst.opts.BlockSize),
		slog.Int("output_channels", inst.opts.OutputChannels),
		slog.Int("scratch_samples", len(inst.scratch)))
	return nil
}

func (c *Controller) start() (*instance, error) {
	opts, err := c.engineOptions()
	if err != nil {
		return nil, err
	}
	if err := exportSearchPaths(opts); err != nil {
		return nil, err
	}

	scratch := make([]int16, c.cfg.ShortsPerSample*opts.OutputChannels*opts.HardwareBufferFrames)
	if block := opts.BlockSamples(); block <= 0 || len(scratch)%block != 0 {
		return nil, fmt.Errorf("scratch buffer of %d samples is not a multiple of the %d sample engine block", len(scratch), block)
	}

	eng, err := c.factory(opts)
	if err != nil {
		return nil, fmt.Errorf("construct engine: %w", err)
	}
	if eng == nil {
		return nil, errors.New("construct engine: factory returned no engine")
	}
	if !eng.Running() {
		if closer, ok := eng.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger.Warn("failed to close engine", slogError(err))
			}
		}
		return nil, errors.New("engine not running after construction")
	}

	return &instance{
		eng:       eng,
		opts:      opts,
		runID:     uuid.NewString(),
		scratch:   scratch,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}, nil
}

// engineOptions derives engine options from the configuration. The block size
// defaults to the hardware buffer split across output channels.
func (c *Controller) engineOptions() (engine.Options, error) {
	cfg := c.cfg
	if cfg.SampleRate <= 0 || cfg.HardwareBufferFrames <= 0 || cfg.OutputChannels <= 0 || cfg.ShortsPerSample <= 0 {
		return engine.Options{}, fmt.Errorf("invalid engine configuration: sample rate %d, buffer %d, channels %d, shorts per sample %d",
			cfg.SampleRate, cfg.HardwareBufferFrames, cfg.OutputChannels, cfg.ShortsPerSample)
	}
	block := cfg.BlockSize
	if block == 0 {
		block = cfg.HardwareBufferFrames / cfg.OutputChannels
	}
	opts := engine.Options{
		SampleRate:           cfg.SampleRate,
		HardwareBufferFrames: cfg.HardwareBufferFrames,
		OutputChannels:       cfg.OutputChannels,
		InputChannels:        0,
		BlockSize:            block,
		Buffers:              numBuffers,
		GraphDefs:            maxGraphDefs,
		WireBuffers:          maxWireBufs,
		AudioBusChannels:     audioBusChannels,
		RealTimeMemoryKB:     realTimeMemoryKB,
		RNGs:                 numRGens,
		LoadGraphDefs:        true,
		Verbosity:            cfg.Verbosity,
		PluginPath:           cfg.PluginPath,
		SynthDefPath:         cfg.SynthDefPath,
	}
	if err := opts.Validate(); err != nil {
		return engine.Options{}, fmt.Errorf("invalid engine options: %w", err)
	}
	return opts, nil
}

// exportSearchPaths publishes the resource search paths to the process
// environment, where engines and their plugins look them up.
func exportSearchPaths(opts engine.Options) error {
	if opts.PluginPath != "" {
		if err := os.Setenv("SC_PLUGIN_PATH", opts.PluginPath); err != nil {
			return fmt.Errorf("export plugin path: %w", err)
		}
	}
	if opts.SynthDefPath != "" {
		if err := os.Setenv("SC_SYNTHDEF_PATH", opts.SynthDefPath); err != nil {
			return fmt.Errorf("export synthdef path: %w", err)
		}
	}
	return nil
}

// runLoop blocks in the engine's run-loop until it terminates.
func (c *Controller) runLoop(inst *instance) {
	inst.eng.WaitForQuit()
	c.live.CompareAndSwap(inst, nil)
	c.state.Store(int32(StateTerminated))
	if c.journal != nil {
		c.journal.RunEnded(inst.runID, StateTerminated.String())
	}
	c.logger.Info("engine terminated",
		slog.String("run_id", inst.runID),
		slog.Duration("uptime", time.Since(inst.startedAt)))
	close(inst.done)
}

// DispatchPacket forwards an encoded packet to the engine. reply receives the
// engine's replies; nil routes them to the registered reply handlers. When the
// engine is not running the packet is dropped and false is returned.
func (c *Controller) DispatchPacket(source string, packet []byte, reply engine.ReplyFunc) bool {
	inst := c.live.Load()
	if inst == nil {
		c.drop(source, len(packet))
		return false
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	return c.sendLocked(inst, source, packet, reply)
}

func (c *Controller) sendLocked(inst *instance, source string, packet []byte, reply engine.ReplyFunc) bool {
	if !inst.eng.Running() {
		c.drop(source, len(packet))
		return false
	}
	if reply == nil {
		reply = c.fanOutReply
	}
	if !inst.eng.SendPacket(packet, reply) {
		c.stats.dropped.Add(1)
		c.logger.Warn("engine refused packet", slog.String("source", source), slog.Int("bytes", len(packet)))
		return false
	}
	c.stats.dispatched.Add(1)
	if c.journal != nil {
		c.journal.PacketDispatched(inst.runID, source, packet)
	}
	return true
}

func (c *Controller) drop(source string, size int) {
	c.stats.dropped.Add(1)
	c.logger.Debug("engine not running, packet dropped", slog.String("source", source), slog.Int("bytes", size))
}

func (c *Controller) fanOutReply(packet []byte) {
	c.replyMu.RLock()
	handlers := c.replyHandlers
	c.replyMu.RUnlock()
	for _, fn := range handlers {
		fn(packet)
	}
}

// MakeSynth creates a synth from the named definition. It reports whether the
// command reached the engine.
func (c *Controller) MakeSynth(name string) (bool, error) {
	if !c.Running() {
		c.logger.Info("make synth ignored, engine not running", slog.String("synth", name))
		c.stats.dropped.Add(1)
		return false, nil
	}
	packet, err := osc.NewMessage("/s_new", name).MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("encode synth command: %w", err)
	}
	c.logger.Debug("make synth", slog.String("synth", name))
	return c.DispatchPacket(SourceAPI, packet, nil), nil
}

// SendControlMessage translates an argument tree and dispatches it. It reports
// whether a packet reached the engine; translation errors are returned.
func (c *Controller) SendControlMessage(ctx context.Context, list argtree.List) (bool, error) {
	return c.SendControlMessageFrom(ctx, SourceAPI, list, nil)
}

// SendControlMessageFrom is SendControlMessage with an explicit source label
// and reply function.
func (c *Controller) SendControlMessageFrom(ctx context.Context, source string, list argtree.List, reply engine.ReplyFunc) (bool, error) {
	inst := c.live.Load()
	if inst == nil || !inst.eng.Running() {
		c.logger.Info("control message ignored, engine not running", slog.String("source", source))
		c.stats.dropped.Add(1)
		return false, nil
	}

	_, span := c.tracer.Start(ctx, "synth.control_message", trace.WithAttributes(
		attribute.String("source", source),
		attribute.Int("elements", len(list)),
	))
	defer span.End()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.buf.Reset()
	if err := argtree.Translate(c.buf, list); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if c.buf.Len() == 0 {
		return false, nil
	}
	if c.buf.Len() > osc.MaxPacketSize {
		err := fmt.Errorf("%w: %d bytes", osc.ErrPacketTooLarge, c.buf.Len())
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Int("bytes", c.buf.Len()))
	return c.sendLocked(inst, source, c.buf.Bytes(), reply), nil
}

// GenerateAudio pulls one scratch buffer of audio from the engine and copies
// it to out. out must be exactly ScratchSamples long. When no engine is
// running out is zeroed and ErrNotRunning is returned.
func (c *Controller) GenerateAudio(out []int16) error {
	c.stats.pulls.Add(1)
	inst := c.live.Load()
	if inst == nil || !inst.eng.Running() {
		clear(out)
		c.stats.pullErrors.Add(1)
		return ErrNotRunning
	}
	if len(out) != len(inst.scratch) {
		c.stats.pullErrors.Add(1)
		return ErrBufferSize
	}
	if err := bridge.Pull(inst.eng, inst.scratch); err != nil {
		c.stats.pullErrors.Add(1)
		return err
	}
	copy(out, inst.scratch)
	return nil
}

// Quit asks the running engine to terminate and detaches it from the audio
// path. The scratch buffer is freed when the engine's run-loop exits; use
// WaitTerminated to join it. If the engine refuses /quit the controller stays
// running and an error wrapping ErrQuitRefused is returned.
func (c *Controller) Quit(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	inst := c.live.Load()
	if inst == nil || !c.state.CompareAndSwap(int32(StateRunning), int32(StateQuitting)) {
		return ErrNotRunning
	}

	_, span := c.tracer.Start(ctx, "synth.quit", trace.WithAttributes(attribute.String("run_id", inst.runID)))
	defer span.End()

	quit, err := osc.NewMessage("/quit").MarshalBinary()
	if err != nil {
		return err
	}
	c.dispatchMu.Lock()
	sent := c.sendLocked(inst, SourceController, quit, nil)
	c.dispatchMu.Unlock()

	if !sent {
		// The engine never saw /quit. If it is still up, stay running so the
		// caller can retry; otherwise the run-loop is already terminating.
		if inst.eng.Running() {
			c.state.CompareAndSwap(int32(StateQuitting), int32(StateRunning))
		}
		err := fmt.Errorf("quit not delivered: %w", ErrQuitRefused)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("quit packet not delivered", slog.String("run_id", inst.runID))
		return err
	}

	c.live.CompareAndSwap(inst, nil)
	c.logger.Info("engine quitting", slog.String("run_id", inst.runID))
	return nil
}

// WaitTerminated waits for the most recently started engine's run-loop to
// exit. If ctx ends first its error is returned and the controller stays in
// StateQuitting: shutdown is cooperative and a hung engine is not reclaimed.
func (c *Controller) WaitTerminated(ctx context.Context) error {
	c.lifecycle.Lock()
	done := c.lastDone
	c.lifecycle.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop quits a running engine and waits up to the configured quit timeout for
// it to terminate.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.Quit(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	timeout := time.Duration(c.cfg.QuitTimeoutMS) * time.Millisecond
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.WaitTerminated(ctx); err != nil {
		return fmt.Errorf("engine did not terminate: %w", err)
	}
	return nil
}

// Status is a point-in-time view of the controller.
type Status struct {
	State          string    `json:"state"`
	Running        bool      `json:"running"`
	RunID          string    `json:"run_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	BlockSize      int       `json:"block_size,omitempty"`
	OutputChannels int       `json:"output_channels,omitempty"`
	ScratchSamples int       `json:"scratch_samples,omitempty"`
	Stats          Stats     `json:"stats"`
}

func (c *Controller) Status() Status {
	st := Status{
		State:   c.State().String(),
		Running: c.Running(),
		Stats:   c.Stats(),
	}
	if inst := c.live.Load(); inst != nil {
		st.RunID = inst.runID
		st.StartedAt = inst.startedAt
		st.SampleRate = inst.opts.SampleRate
		st.BlockSize = inst.opts.BlockSize
		st.OutputChannels = inst.opts.OutputChannels
		st.ScratchSamples = len(inst.scratch)
	}
	return st
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
