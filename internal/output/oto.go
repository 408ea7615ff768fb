//go:build !headless

package output

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/scbridge/internal/bridge"
	"github.com/loqalabs/scbridge/internal/config"
)

// otoSink streams the engine through an oto player. oto calls Read on its own
// goroutine, which becomes the audio thread driving the engine.
type otoSink struct {
	ctx    *oto.Context
	player *oto.Player
	reader *bridge.Reader
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func openOto(cfg config.AudioConfig, eng config.EngineConfig, src Source, log *slog.Logger) (Sink, error) {
	if eng.ShortsPerSample != 1 {
		return nil, fmt.Errorf("output: oto plays 16-bit samples, got %d shorts per sample", eng.ShortsPerSample)
	}
	bufferDuration := time.Duration(eng.HardwareBufferFrames) * time.Second / time.Duration(eng.SampleRate)
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   eng.SampleRate,
		ChannelCount: eng.OutputChannels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("output: open oto context: %w", err)
	}
	<-ready

	s := &otoSink{
		ctx:    ctx,
		reader: newReader(cfg, eng, src),
		logger: log,
	}
	s.player = ctx.NewPlayer(s.reader)
	s.player.Play()
	log.Info("audio output started",
		slog.String("sink", OutputOto),
		slog.Int("sample_rate", eng.SampleRate),
		slog.Int("channels", eng.OutputChannels),
		slog.Duration("buffer", bufferDuration))
	return s, nil
}

func (s *otoSink) Underruns() uint64 { return s.reader.Underruns() }

func (s *otoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.player.Pause()
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("output: close player: %w", err)
	}
	s.logger.Info("audio output stopped", slog.Uint64("underruns", s.reader.Underruns()))
	return nil
}
