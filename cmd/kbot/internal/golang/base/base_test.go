package base

import "testing"

func TestCommand_Name(t *testing.T) {
	tests := []struct {
		usage    string
		wantLong string
		want     string
	}{
		{"kbot", "", ""},
		{"kbot status [flags]", "status", "status"},
		{"kbot gcode [flags] <script>", "gcode", "gcode"},
		{"kbot power on [flags] <device>", "power on", "on"},
		{"kbot machine service <name>", "machine service", "service"},
		{"kbot print", "print", "print"},
	}
	for _, tt := range tests {
		c := &Command{UsageLine: tt.usage}
		if got := c.LongName(); got != tt.wantLong {
			t.Errorf("Command.LongName() = %q, want %q", got, tt.wantLong)
		}
		if got := c.Name(); got != tt.want {
			t.Errorf("Command.Name() = %q, want %q", got, tt.want)
		}
	}
}

func TestStatusCode_String(t *testing.T) {
	if got := SInvalidParameters.String(); got != "invalid parameters" {
		t.Errorf("StatusCode.String() = %q", got)
	}
	if got := StatusCode(200).String(); got != "unknown status" {
		t.Errorf("StatusCode.String() = %q", got)
	}
}

func TestSetExitStatus(t *testing.T) {
	defer func() { exitStatus = SNoError }()
	SetExitStatus(SApplicationError)
	SetExitStatus(SInvalidParameters)
	if got := ExitStatus(); got != SApplicationError {
		t.Errorf("ExitStatus() = %v, want %v", got, SApplicationError)
	}
}
