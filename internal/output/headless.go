//go:build headless

package output

import (
	"log/slog"

	"github.com/loqalabs/scbridge/internal/config"
)

func openOto(config.AudioConfig, config.EngineConfig, Source, *slog.Logger) (Sink, error) {
	return nil, ErrUnavailable
}
