// Package output plays the engine's audio on the host sound device or
// records it to a file.
package output

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/scbridge/internal/bridge"
	"github.com/loqalabs/scbridge/internal/config"
)

const (
	OutputNone = "none"
	OutputOto  = "oto"
	OutputWAV  = "wav"
)

var ErrUnavailable = errors.New("output: audio device support not compiled in")

// Source renders one hardware buffer of interleaved samples per call.
type Source interface {
	GenerateAudio(out []int16) error
}

// Sink is a running audio output.
type Sink interface {
	Close() error
	Underruns() uint64
}

// Open starts the configured sink. It returns a nil Sink for "none".
func Open(cfg config.AudioConfig, eng config.EngineConfig, src Source, log *slog.Logger) (Sink, error) {
	switch cfg.Output {
	case OutputNone, "":
		return nil, nil
	case OutputOto:
		return openOto(cfg, eng, src, log.With(slog.String("component", "audio-output")))
	case OutputWAV:
		return openWAV(cfg, eng, src, log.With(slog.String("component", "audio-output")))
	default:
		return nil, fmt.Errorf("output: unknown sink %q", cfg.Output)
	}
}

// BufferSamples is the sample count of one hardware buffer.
func BufferSamples(eng config.EngineConfig) int {
	return eng.ShortsPerSample * eng.OutputChannels * eng.HardwareBufferFrames
}

// PullFunc adapts src to a bridge.PullFunc whose destination spans whole
// hardware buffers. The first failing buffer aborts the pull.
func PullFunc(src Source, bufferSamples int) bridge.PullFunc {
	return func(dst []int16) error {
		if bufferSamples <= 0 || len(dst)%bufferSamples != 0 {
			return fmt.Errorf("output: %d samples is not a multiple of the %d sample hardware buffer", len(dst), bufferSamples)
		}
		for off := 0; off < len(dst); off += bufferSamples {
			if err := src.GenerateAudio(dst[off : off+bufferSamples]); err != nil {
				return err
			}
		}
		return nil
	}
}

func newReader(cfg config.AudioConfig, eng config.EngineConfig, src Source) *bridge.Reader {
	n := BufferSamples(eng)
	chunks := cfg.ChunkBuffers
	if chunks <= 0 {
		chunks = 1
	}
	return bridge.NewReader(n*chunks, PullFunc(src, n))
}
