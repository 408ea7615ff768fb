package osc

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// WordDump renders packet bytes one 32-bit word per line, prefixed with the
// word's byte offset.
func WordDump(data []byte) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 4 {
		end := min(off+4, len(data))
		fmt.Fprintf(&sb, "%04x  %s\n", off, hex.EncodeToString(data[off:end]))
	}
	return sb.String()
}
