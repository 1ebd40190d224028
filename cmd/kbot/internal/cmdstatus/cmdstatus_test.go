package cmdstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rusq/klipperbot/moonraker"
	"github.com/rusq/klipperbot/printerstate"
)

func Test_table(t *testing.T) {
	tests := []struct {
		name string
		r    report
		want [][]string
	}{
		{
			"ready",
			report{
				State:  printerstate.State{Lifecycle: printerstate.Ready},
				Server: moonraker.ServerInfo{KlippyState: "ready", MoonrakerVersion: "v0.9.3"},
			},
			[][]string{
				{"Printer", "ready"},
				{"Klippy", "ready"},
				{"Moonraker", "v0.9.3"},
			},
		},
		{
			"printing",
			report{
				State: printerstate.State{
					Lifecycle:     printerstate.Printing,
					Filename:      "benchy.gcode",
					Progress:      printerstate.Progress{Fraction: 0.25, Known: true},
					PrintDuration: 90*time.Second + 300*time.Millisecond,
				},
				Server: moonraker.ServerInfo{KlippyState: "ready", MoonrakerVersion: "v0.9.3", Warnings: []string{"low disk"}},
			},
			[][]string{
				{"Printer", "printing"},
				{"File", "benchy.gcode"},
				{"Progress", "25.0%"},
				{"Print time", "1m30s"},
				{"Klippy", "ready"},
				{"Moonraker", "v0.9.3"},
				{"Warning", "low disk"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table(tt.r)
			assert.Equal(t, tt.want, [][]string(got))
		})
	}
}
