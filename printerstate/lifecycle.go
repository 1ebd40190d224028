package printerstate

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Lifecycle is the canonical printer state.
type Lifecycle string

const (
	Disconnected Lifecycle = "disconnected"
	Startup      Lifecycle = "startup"
	Ready        Lifecycle = "ready"
	Printing     Lifecycle = "printing"
	Paused       Lifecycle = "paused"
	Error        Lifecycle = "error"
	ShuttingDown Lifecycle = "shutdown"
)

func (l Lifecycle) String() string {
	return string(l)
}

// Lifecycles lists all states.
var Lifecycles = []Lifecycle{Disconnected, Startup, Ready, Printing, Paused, Error, ShuttingDown}

// Transition events.
const (
	EvConnect    = "connect"
	EvReady      = "ready"
	EvPrint      = "print"
	EvPause      = "pause"
	EvResume     = "resume"
	EvFinish     = "finish"
	EvFail       = "fail"
	EvShutdown   = "shutdown"
	EvDisconnect = "disconnect"
)

// bringUp is the chain the machine may walk through several edges at once
// when catching up with the host, i.e. after connecting mid-print.
var bringUp = []Lifecycle{Disconnected, Startup, Ready, Printing, Paused}

func chainIndex(l Lifecycle) int {
	for i, s := range bringUp {
		if s == l {
			return i
		}
	}
	return -1
}

func except(l Lifecycle) []string {
	var out []string
	for _, s := range Lifecycles {
		if s != l {
			out = append(out, string(s))
		}
	}
	return out
}

func newFSM(lg *slog.Logger, onEnter func(ev, src, dst string)) *fsm.FSM {
	return fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: EvConnect, Src: []string{string(Disconnected)}, Dst: string(Startup)},
			{Name: EvReady, Src: []string{string(Startup)}, Dst: string(Ready)},
			{Name: EvPrint, Src: []string{string(Ready)}, Dst: string(Printing)},
			{Name: EvPause, Src: []string{string(Printing)}, Dst: string(Paused)},
			{Name: EvResume, Src: []string{string(Paused)}, Dst: string(Printing)},
			{Name: EvFinish, Src: []string{string(Printing), string(Paused)}, Dst: string(Ready)},
			{Name: EvFail, Src: []string{string(Printing), string(Paused), string(Ready)}, Dst: string(Error)},
			{Name: EvShutdown, Src: except(ShuttingDown), Dst: string(ShuttingDown)},
			{Name: EvDisconnect, Src: except(Disconnected), Dst: string(Disconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				lg.Debug("state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
				if onEnter != nil {
					onEnter(e.Event, e.Src, e.Dst)
				}
			},
		},
	)
}

// edgeEvent returns the event that moves the machine from src to dst.
func edgeEvent(src, dst Lifecycle) string {
	switch dst {
	case Startup:
		return EvConnect
	case Ready:
		if src == Startup {
			return EvReady
		}
		return EvFinish
	case Printing:
		if src == Paused {
			return EvResume
		}
		return EvPrint
	case Paused:
		return EvPause
	case Error:
		return EvFail
	case ShuttingDown:
		return EvShutdown
	case Disconnected:
		return EvDisconnect
	}
	return ""
}

// route returns the hops from src to dst.  When both lie on the bring-up
// chain and dst is ahead of src, every intermediate state is visited.
// Anything else is a single hop, which the edge table may reject.
func route(src, dst Lifecycle) []Lifecycle {
	if src == dst {
		return nil
	}
	si, di := chainIndex(src), chainIndex(dst)
	if si >= 0 && di >= 0 && si < di {
		return bringUp[si+1 : di+1]
	}
	if src == Disconnected && dst == Error {
		// a connected host in error state still passes through startup.
		return []Lifecycle{Startup, Error}
	}
	return []Lifecycle{dst}
}
