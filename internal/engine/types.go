// Package engine defines the synthesis engine collaborator and the backends
// that implement it.
package engine

import (
	"errors"
	"fmt"
)

// ReplyFunc receives a reply packet produced by the engine in response to a
// dispatched packet. It may be called from an engine goroutine; the packet is
// only valid for the duration of the call.
type ReplyFunc func(packet []byte)

// Engine is the synthesis engine contract.
type Engine interface {
	// Running reports whether the engine accepts packets.
	Running() bool
	// SendPacket hands an encoded OSC packet to the engine. The engine copies
	// what it needs before returning. It returns false if the packet was not
	// accepted.
	SendPacket(packet []byte, reply ReplyFunc) bool
	// WaitForQuit blocks until the engine's run-loop has terminated.
	WaitForQuit()
	// BlockSamples is the number of interleaved samples in one control block.
	BlockSamples() int
	// GenerateBlock renders one control block into dst. It is called from the
	// audio thread and must not block.
	GenerateBlock(dst []int16)
}

// Factory constructs an engine from its options.
type Factory func(Options) (Engine, error)

// Options are the static capacity and audio settings an engine is built with.
type Options struct {
	SampleRate           int
	HardwareBufferFrames int
	OutputChannels       int
	InputChannels        int
	// BlockSize is the number of frames per control block.
	BlockSize        int
	Buffers          int
	GraphDefs        int
	WireBuffers      int
	AudioBusChannels int
	RealTimeMemoryKB int
	RNGs             int
	LoadGraphDefs    bool
	Verbosity        int
	PluginPath       string
	SynthDefPath     string
}

// BlockSamples is BlockSize frames of OutputChannels interleaved samples.
func (o Options) BlockSamples() int {
	return o.BlockSize * o.OutputChannels
}

// Validate checks the options an engine cannot run without.
func (o Options) Validate() error {
	var errs []error
	if o.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", o.SampleRate))
	}
	if o.OutputChannels <= 0 {
		errs = append(errs, fmt.Errorf("output channels must be positive, got %d", o.OutputChannels))
	}
	if o.InputChannels < 0 {
		errs = append(errs, fmt.Errorf("input channels must not be negative, got %d", o.InputChannels))
	}
	if o.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size must be positive, got %d", o.BlockSize))
	}
	if o.Buffers <= 0 || o.GraphDefs <= 0 || o.WireBuffers <= 0 || o.RNGs <= 0 {
		errs = append(errs, errors.New("buffer, graph def, wire buffer and rng capacities must be positive"))
	}
	if o.AudioBusChannels < o.OutputChannels+o.InputChannels {
		errs = append(errs, fmt.Errorf("audio bus channels (%d) must cover hardware channels", o.AudioBusChannels))
	}
	if o.RealTimeMemoryKB <= 0 {
		errs = append(errs, errors.New("real-time memory must be positive"))
	}
	return errors.Join(errs...)
}
