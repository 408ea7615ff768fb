package engine

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

var printFunc atomic.Pointer[func(string)]

// SetPrintFunc routes engine diagnostics to fn. A nil fn restores the default,
// which writes to stderr.
func SetPrintFunc(fn func(string)) {
	if fn == nil {
		printFunc.Store(nil)
		return
	}
	printFunc.Store(&fn)
}

// Printf emits an engine diagnostic line.
func Printf(format string, args ...any) {
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if fn := printFunc.Load(); fn != nil {
		(*fn)(line)
		return
	}
	fmt.Fprintln(os.Stderr, line)
}
