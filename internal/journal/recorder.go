package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/scbridge/internal/engine"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 2 * time.Second
)

type recordKind int

const (
	recordRunStarted recordKind = iota
	recordRunEnded
	recordPacket
)

type record struct {
	kind   recordKind
	runID  string
	opts   engine.Options
	state  string
	source string
	packet []byte
	at     time.Time
}

// Recorder feeds a Store from a background goroutine so callers on the
// dispatch path never wait on SQLite. Records that do not fit the queue are
// dropped and counted.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	queue  chan record

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewRecorder(store *Store, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store:  store,
		logger: log.With(slog.String("component", "journal")),
		queue:  make(chan record, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) RunStarted(runID string, opts engine.Options) {
	r.enqueue(record{kind: recordRunStarted, runID: runID, opts: opts})
}

func (r *Recorder) RunEnded(runID string, state string) {
	r.enqueue(record{kind: recordRunEnded, runID: runID, state: state})
}

func (r *Recorder) PacketDispatched(runID, source string, packet []byte) {
	r.enqueue(record{
		kind:   recordPacket,
		runID:  runID,
		source: source,
		packet: append([]byte(nil), packet...),
		at:     time.Now().UTC(),
	})
}

// Dropped reports how many records were discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close drains queued records and stops the writer. The store stays open.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for rec := range r.queue {
		if err := r.write(rec); err != nil {
			r.logger.Warn("journal write failed",
				slog.String("run_id", rec.runID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Recorder) write(rec record) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	switch rec.kind {
	case recordRunStarted:
		return r.store.AppendRun(ctx, rec.runID, rec.opts)
	case recordRunEnded:
		return r.store.EndRun(ctx, rec.runID, rec.state)
	default:
		return r.store.AppendPacket(ctx, Packet{
			RunID:     rec.runID,
			Source:    rec.source,
			Payload:   rec.packet,
			CreatedAt: rec.at,
		})
	}
}
