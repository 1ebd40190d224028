package cfg

import (
	"fmt"
	"io"
	"slices"
	"sync"
)

// InfoReportFunc writes a status report in response to SIGINFO (SIGUSR1
// where there is no SIGINFO).
type InfoReportFunc func(w io.Writer)

var (
	sigMu        sync.Mutex
	sigReporters []InfoReportFunc
)

// RegisterSigInfoReporter adds fn to the reports printed by SigInfo.
func RegisterSigInfoReporter(fn InfoReportFunc) {
	if fn == nil {
		return
	}
	sigMu.Lock()
	sigReporters = append(sigReporters, fn)
	sigMu.Unlock()
}

// SigInfo prints the registered reports in the order they were registered.
// Without reporters, it prints the endpoint the command talks to.
func SigInfo(w io.Writer) {
	if w == nil {
		return
	}
	sigMu.Lock()
	fns := slices.Clone(sigReporters)
	sigMu.Unlock()
	if len(fns) == 0 {
		fmt.Fprintf(w, "moonraker: %s\n", Endpoint)
		return
	}
	for _, fn := range fns {
		fn(w)
	}
}
