package cmdcall

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseCallArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantMethod string
		wantParams json.RawMessage
		wantErr    bool
	}{
		{"method only", []string{"server.info"}, "server.info", nil, false},
		{"with params", []string{"printer.gcode.script", `{"script":"G28"}`}, "printer.gcode.script", json.RawMessage(`{"script":"G28"}`), false},
		{"bad params", []string{"printer.gcode.script", `{script}`}, "", nil, true},
		{"none", nil, "", nil, true},
		{"too many", []string{"a", "{}", "{}"}, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, params, err := parseCallArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCallArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.wantMethod, method)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func Test_readScript(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"single", []string{"G28"}, "", "G28", false},
		{"joined", []string{"G1", "X10", "F3000"}, "", "G1 X10 F3000", false},
		{"stdin", []string{"-"}, "G28\nM117 done\n", "G28\nM117 done", false},
		{"empty stdin", []string{"-"}, "  \n", "", true},
		{"none", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readScript(tt.args, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readScript() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readScript() = %q, want %q", got, tt.want)
			}
		})
	}
}

func Test_printJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":[1,2]}`)))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", buf.String())
	assert.Error(t, printJSON(&buf, json.RawMessage(`{`)))
}
