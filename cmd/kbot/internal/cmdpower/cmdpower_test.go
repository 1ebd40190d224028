package cmdpower

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rusq/klipperbot/power"
)

func Test_deviceTable(t *testing.T) {
	td := deviceTable(
		power.Device{Name: "psu", On: true, Type: "gpio", LockedWhilePrinting: true},
		power.Device{Name: "light", Err: "Device light is locked"},
	)
	assert.Equal(t, [][]string{
		{"Device", "State", "Type", "Locked while printing", "Updated", "Error"},
		{"psu", "on", "gpio", "yes", "", ""},
		{"light", "off", "", "no", "", "Device light is locked"},
	}, [][]string(td))
}

func TestCmdPower_names(t *testing.T) {
	var names []string
	for _, c := range CmdPower.Commands {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"list", "on", "off", "toggle"}, names)
	assert.Equal(t, "power toggle", CmdPower.Commands[3].LongName())
}
