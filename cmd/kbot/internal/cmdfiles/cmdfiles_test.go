package cmdfiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rusq/klipperbot/moonraker"
)

func Test_size(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{5 << 30, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := size(tt.n); got != tt.want {
			t.Errorf("size(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func Test_fileTable(t *testing.T) {
	files := []moonraker.File{
		{Path: "old.gcode", Modified: 1700000000, Size: 100},
		{Path: "new.gcode", Modified: 1700000300, Size: 2048},
		{Path: "mid.gcode", Modified: 1700000100, Size: 10},
	}
	td := fileTable(files, 0)
	require.Len(t, td, 4)
	assert.Equal(t, []string{"File", "Size", "Modified"}, td[0])
	assert.Equal(t, "new.gcode", td[1][0])
	assert.Equal(t, "2.0 KiB", td[1][1])
	assert.Equal(t, "mid.gcode", td[2][0])
	assert.Equal(t, "old.gcode", td[3][0])
	assert.Equal(t, "old.gcode", files[0].Path, "input is not reordered")

	td = fileTable(files, 1)
	require.Len(t, td, 2)
	assert.Equal(t, "new.gcode", td[1][0])
}

func Test_metaTable(t *testing.T) {
	md := moonraker.FileMetadata{
		Filename:      "benchy.gcode",
		Size:          1 << 20,
		Slicer:        "PrusaSlicer",
		SlicerVersion: "2.7.1",
		EstimatedTime: 3725,
		LayerHeight:   0.2,
		FilamentTotal: 4520,
	}
	assert.Equal(t, [][]string{
		{"File", "benchy.gcode"},
		{"Size", "1.0 MiB"},
		{"Slicer", "PrusaSlicer 2.7.1"},
		{"Estimated time", "1h2m5s"},
		{"Layer height", "0.20 mm"},
		{"Filament", "4.52 m"},
	}, [][]string(metaTable(md)))
}

func Test_uploadName(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"plain", "cube.gcode", "cube.gcode", false},
		{"path", "/tmp/slices/Benchy_0.2mm.gcode", "Benchy_0.2mm.gcode", false},
		{"upper case", "CUBE.GCODE", "CUBE.GCODE", false},
		{"not gcode", "cube.stl", "", true},
		{"archive", "cube.gcode.zip", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uploadName(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("uploadName() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
