package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/scbridge/internal/bus"
	"github.com/loqalabs/scbridge/internal/capability"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/control"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/journal"
	"github.com/loqalabs/scbridge/internal/natsserver"
	"github.com/loqalabs/scbridge/internal/oscserver"
	"github.com/loqalabs/scbridge/internal/output"
	"github.com/loqalabs/scbridge/internal/protocol"
	"github.com/loqalabs/scbridge/internal/synth"
)

const (
	engineCapability = "synth.engine"
	pruneInterval    = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	httpAddr      atomic.Pointer[string]
	ready         atomic.Bool
	wg            sync.WaitGroup

	controller *synth.Controller
	registry   *capability.Registry
	control    *control.Service
	osc        *oscserver.Server
	store      *journal.Store
	recorder   *journal.Recorder
	sink       output.Sink
	busClient  *bus.Client

	// closers run in reverse order on shutdown.
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, then blocks until ctx is cancelled and
// tears them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	if err := r.setup(ctx); err != nil {
		cancel()
		sctx, scancel := shutdownCtx()
		defer scancel()
		r.teardown(sctx)
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.HTTPAddr()))

	<-ctx.Done()
	r.ready.Store(false)
	cancel()
	r.logger.Info("runtime stopping")
	sctx, scancel := shutdownCtx()
	defer scancel()
	r.teardown(sctx)
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", tel.Shutdown)

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.onClose("embedded nats", func(context.Context) error { embedded.Shutdown(); return nil })
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.busClient, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onClose("bus", func(context.Context) error { r.busClient.Close(); return nil })

	r.controller = synth.NewController(r.cfg.Engine, engineFactory(r.cfg.Engine), r.logger)
	r.controller.InitLogging()

	if r.cfg.Journal.Enabled {
		store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		r.store = store
		r.onClose("journal store", func(context.Context) error { return store.Close() })
		r.recorder = journal.NewRecorder(store, 0, r.logger)
		r.onClose("journal recorder", func(context.Context) error { return r.recorder.Close() })
		r.controller.SetJournal(r.recorder)
		r.schedulePrune(ctx, store)
	}
	r.onClose("engine", r.controller.Stop)

	if r.cfg.Control.PublishReplies && r.cfg.Control.ReplyStream != "" {
		if err := r.busClient.EnsureStream(r.cfg.Control.ReplyStream, protocol.SubjectOSCReply); err != nil {
			r.logger.Warn("reply stream unavailable", slog.String("error", err.Error()))
		}
	}

	r.control = control.NewService(ctx, r.cfg.Control, r.cfg.Node.ID, r.busClient, r.controller, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	r.onClose("control", func(context.Context) error { r.control.Close(); return nil })

	r.registry, err = capability.NewRegistry(ctx, r.nodeConfig(), r.busClient, func() capability.EngineReport {
		st := r.controller.Status()
		return capability.EngineReport{State: st.State, RunID: st.RunID}
	}, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.onClose("capability registry", func(context.Context) error { r.registry.Close(); return nil })

	if r.cfg.Engine.Autostart {
		if err := r.controller.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		r.control.PublishStatus()
	}

	r.sink, err = output.Open(r.cfg.Audio, r.cfg.Engine, r.controller, r.logger)
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	if r.sink != nil {
		r.onClose("audio output", func(context.Context) error { return r.sink.Close() })
	}

	r.osc = oscserver.NewServer(ctx, r.cfg.OSC, r.controller, r.logger)
	if err := r.osc.Start(); err != nil {
		return err
	}
	r.onClose("osc server", func(context.Context) error { r.osc.Close(); return nil })

	return r.startHTTP(tel.MetricsHandler())
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("GET /journal/runs", r.handleJournalRuns)
	mux.HandleFunc("GET /journal/runs/{id}/packets", r.handleJournalPackets)
	mux.Handle("/metrics", metricsHandler)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	bound := ln.Addr().String()
	r.httpAddr.Store(&bound)
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve("http", r.httpServer, ln)
	r.onClose("http server", r.httpServer.Shutdown)

	if r.cfg.Telemetry.PrometheusBind != "" {
		mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
			return nil
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve("metrics", r.metricsServer, mln)
		r.onClose("metrics server", r.metricsServer.Shutdown)
	}
	return nil
}

func (r *Runtime) serve(name string, srv *http.Server, ln net.Listener) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) onClose(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

func (r *Runtime) teardown(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(ctx); err != nil {
			r.logger.Error(c.name+" shutdown error", slog.String("error", err.Error()))
		}
	}
	r.closers = nil
	r.wg.Wait()
}

func (r *Runtime) schedulePrune(ctx context.Context, store *journal.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil {
					r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// nodeConfig advertises the engine's audio parameters on the engine
// capability.
func (r *Runtime) nodeConfig() config.NodeConfig {
	node := r.cfg.Node
	e := r.cfg.Engine
	block := e.BlockSize
	if block == 0 && e.OutputChannels > 0 {
		block = e.HardwareBufferFrames / e.OutputChannels
	}
	caps := make([]config.NodeCapability, len(node.Capabilities))
	for i, c := range node.Capabilities {
		if c.Name == engineCapability {
			attrs := maps.Clone(c.Attributes)
			if attrs == nil {
				attrs = map[string]string{}
			}
			attrs["backend"] = e.Backend
			attrs["sample_rate"] = strconv.Itoa(e.SampleRate)
			attrs["block_size"] = strconv.Itoa(block)
			attrs["output_channels"] = strconv.Itoa(e.OutputChannels)
			c.Attributes = attrs
		}
		caps[i] = c
	}
	node.Capabilities = caps
	return node
}

func engineFactory(cfg config.EngineConfig) engine.Factory {
	if cfg.Backend == "udp" {
		return engine.UDPFactory(engine.UDPConfig{
			Address:     cfg.Address,
			Command:     cfg.Command,
			BootTimeout: time.Duration(cfg.BootTimeoutMS) * time.Millisecond,
		})
	}
	return engine.MockFactory
}

// HTTPAddr is the bound HTTP address once the runtime is started.
func (r *Runtime) HTTPAddr() string {
	if p := r.httpAddr.Load(); p != nil {
		return *p
	}
	return ""
}

func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.control.Healthy() && r.osc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	Node           string                `json:"node"`
	Engine         synth.Status          `json:"engine"`
	OSCReceived    uint64                `json:"osc_received"`
	OSCRejected    uint64                `json:"osc_rejected"`
	JournalDropped uint64                `json:"journal_dropped"`
	AudioUnderruns uint64                `json:"audio_underruns"`
	Peers          []capability.NodeInfo `json:"peers"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Node:        r.cfg.Node.ID,
		Engine:      r.controller.Status(),
		OSCReceived: r.osc.Received(),
		OSCRejected: r.osc.Rejected(),
		Peers:       r.registry.Peers(),
	}
	if r.recorder != nil {
		resp.JournalDropped = r.recorder.Dropped()
	}
	if r.sink != nil {
		resp.AudioUnderruns = r.sink.Underruns()
	}
	r.writeJSON(w, resp)
}
