package base

import (
	"os"
	"sync"
)

// StatusCode is the process exit status.
type StatusCode uint8

const (
	SNoError StatusCode = iota
	SGenericError
	SInvalidParameters
	SHelpRequested
	SCancelled
	STimeout
	SConnectionError
	SAuthError
	SApplicationError
)

var statusNames = [...]string{
	SNoError:           "no error",
	SGenericError:      "generic error",
	SInvalidParameters: "invalid parameters",
	SHelpRequested:     "help requested",
	SCancelled:         "cancelled",
	STimeout:           "timeout",
	SConnectionError:   "connection error",
	SAuthError:         "authentication error",
	SApplicationError:  "application error",
}

func (s StatusCode) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown status"
}

var (
	exitMu      sync.Mutex
	exitStatus  = SNoError
	atExitFuncs []func()
)

// AtExit registers fn to be called on Exit.  Functions are called in the
// reverse order of registration.
func AtExit(fn func()) {
	exitMu.Lock()
	defer exitMu.Unlock()
	atExitFuncs = append(atExitFuncs, fn)
}

// Exit runs the exit functions and terminates the process with the exit
// status.
func Exit() {
	exitMu.Lock()
	fns := atExitFuncs
	atExitFuncs = nil
	exitMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
	os.Exit(int(ExitStatus()))
}

// SetExitStatus raises the exit status to s.  A lower status does not
// override a higher one.
func SetExitStatus(s StatusCode) {
	exitMu.Lock()
	if exitStatus < s {
		exitStatus = s
	}
	exitMu.Unlock()
}

func ExitStatus() StatusCode {
	exitMu.Lock()
	defer exitMu.Unlock()
	return exitStatus
}
