package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/scbridge/internal/config"
)

// wavSink records the engine into a 16-bit PCM WAV file. It pulls one
// hardware buffer per buffer period, standing in for a sound card clock, so
// it works on hosts without an audio device.
type wavSink struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	src    Source
	logger *slog.Logger

	samples []int16
	buf     *audio.IntBuffer
	period  time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	writeErr  error
	buffers   atomic.Uint64
	underruns atomic.Uint64
}

func openWAV(cfg config.AudioConfig, eng config.EngineConfig, src Source, log *slog.Logger) (Sink, error) {
	if eng.ShortsPerSample != 1 {
		return nil, fmt.Errorf("output: wav records 16-bit samples, got %d shorts per sample", eng.ShortsPerSample)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.WAVPath), 0o755); err != nil {
		return nil, fmt.Errorf("output: create wav directory: %w", err)
	}
	file, err := os.Create(cfg.WAVPath)
	if err != nil {
		return nil, fmt.Errorf("output: create wav file: %w", err)
	}

	n := BufferSamples(eng)
	ctx, cancel := context.WithCancel(context.Background())
	s := &wavSink{
		path:    cfg.WAVPath,
		file:    file,
		enc:     wav.NewEncoder(file, eng.SampleRate, 16, eng.OutputChannels, 1),
		src:     src,
		logger:  log,
		samples: make([]int16, n),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: eng.OutputChannels, SampleRate: eng.SampleRate},
			Data:           make([]int, n),
			SourceBitDepth: 16,
		},
		period: time.Duration(eng.HardwareBufferFrames) * time.Second / time.Duration(eng.SampleRate),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)

	log.Info("audio output started",
		slog.String("sink", OutputWAV),
		slog.String("path", cfg.WAVPath),
		slog.Int("sample_rate", eng.SampleRate),
		slog.Int("channels", eng.OutputChannels),
		slog.Duration("period", s.period))
	return s, nil
}

func (s *wavSink) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeBuffer(); err != nil {
				s.mu.Lock()
				s.writeErr = err
				s.mu.Unlock()
				s.logger.Error("wav recording stopped", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// writeBuffer renders one hardware buffer and appends it to the file. A
// failed render is recorded as silence.
func (s *wavSink) writeBuffer() error {
	if err := s.src.GenerateAudio(s.samples); err != nil {
		clear(s.samples)
		s.underruns.Add(1)
	}
	for i, v := range s.samples {
		s.buf.Data[i] = int(v)
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("output: write wav: %w", err)
	}
	s.buffers.Add(1)
	return nil
}

func (s *wavSink) Underruns() uint64 { return s.underruns.Load() }

// Close stops recording and finalises the WAV header.
func (s *wavSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	if cerr := s.enc.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("output: close wav encoder: %w", cerr)
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("output: close wav file: %w", cerr)
	}
	s.logger.Info("audio output stopped",
		slog.String("path", s.path),
		slog.Uint64("buffers", s.buffers.Load()),
		slog.Uint64("underruns", s.underruns.Load()))
	return err
}
