// Package bridge adapts an engine's fixed synthesis block to caller-sized
// audio buffers. Everything here runs on the host's real-time audio callback:
// it must not allocate, lock, or perform I/O.
package bridge

import "errors"

// ErrNotBlockMultiple is returned by Pull when the destination length is not a
// positive multiple of the generator's block size. Nothing is written.
var ErrNotBlockMultiple = errors.New("bridge: length is not a positive multiple of the block size")

// Generator produces interleaved 16-bit PCM one fixed-size block at a time.
type Generator interface {
	// BlockSamples is the number of interleaved samples in one block.
	BlockSamples() int
	// GenerateBlock fills dst, which is exactly BlockSamples long.
	GenerateBlock(dst []int16)
}

// Pull fills dst by calling g.GenerateBlock once per block on consecutive
// sub-slices of dst.
func Pull(g Generator, dst []int16) error {
	block := g.BlockSamples()
	if block <= 0 || len(dst) == 0 || len(dst)%block != 0 {
		return ErrNotBlockMultiple
	}
	for off := 0; off < len(dst); off += block {
		g.GenerateBlock(dst[off : off+block : off+block])
	}
	return nil
}
