package cfg

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rusq/klipperbot"
)

// reset restores the defaults for the duration of the test.
func reset(t *testing.T) {
	t.Helper()
	saved := []any{ConfigFile, Endpoint, Token, TokenType, ClientName, CallTimeout, BackoffBase, BackoffMax, Objects, PowerDevices}
	ConfigFile = ""
	Endpoint = klipperbot.DefaultEndpoint
	Token = ""
	TokenType = "api_key"
	ClientName = klipperbot.ClientName
	CallTimeout = klipperbot.DefaultCallTimeout
	BackoffBase = klipperbot.DefaultBackoffBase
	BackoffMax = klipperbot.DefaultBackoffMax
	Objects = nil
	PowerDevices = nil
	for _, s := range settings {
		if v, ok := os.LookupEnv(s.env); ok {
			os.Unsetenv(s.env)
			t.Cleanup(func() { os.Setenv(s.env, v) })
		}
	}
	t.Cleanup(func() {
		ConfigFile = saved[0].(string)
		Endpoint = saved[1].(string)
		Token = saved[2].(string)
		TokenType = saved[3].(string)
		ClientName = saved[4].(string)
		CallTimeout = saved[5].(time.Duration)
		BackoffBase = saved[6].(time.Duration)
		BackoffMax = saved[7].(time.Duration)
		Objects = saved[8].([]string)
		PowerDevices = saved[9].([]string)
	})
}

const testConfig = `
endpoint: ws://voron.local:7125/websocket
token: ${KBOT_TEST_TOKEN}
token_type: oneshot
client_name: ""
call_timeout: 30s
backoff:
  base: 2s
  max: 2m
objects: [heater_bed, extruder]
power_devices:
  - psu
  - light
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("KBOT_TEST_TOKEN", "s3cr3t")
	f, err := LoadFile(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "ws://voron.local:7125/websocket", f.Endpoint)
	assert.Equal(t, "s3cr3t", f.Token)
	assert.Equal(t, "oneshot", f.TokenType)
	require.NotNil(t, f.ClientName)
	assert.Empty(t, *f.ClientName)
	assert.Equal(t, 30*time.Second, f.CallTimeout)
	assert.Equal(t, BackoffFile{Base: 2 * time.Second, Max: 2 * time.Minute}, f.Backoff)
	assert.Equal(t, []string{"heater_bed", "extruder"}, f.Objects)
	assert.Equal(t, []string{"psu", "light"}, f.PowerDevices)

	_, err = LoadFile(writeConfig(t, "call_timeout: [1, 2]"))
	assert.Error(t, err)
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_layering(t *testing.T) {
	reset(t)
	ConfigFile = writeConfig(t, testConfig)
	t.Setenv(envTokenType, "api_key")
	TokenType = "api_key" // as read from the environment at startup

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	SetBaseFlags(fs, DefaultFlags)
	require.NoError(t, fs.Parse([]string{"-endpoint", "ws://ender.local/websocket", "-power", "heater"}))
	require.NoError(t, Load(fs))

	assert.Equal(t, "ws://ender.local/websocket", Endpoint, "flag wins")
	assert.Equal(t, []string{"heater"}, PowerDevices, "flag wins")
	assert.Equal(t, "api_key", TokenType, "env wins")
	assert.Equal(t, 30*time.Second, CallTimeout, "file over default")
	assert.Equal(t, 2*time.Second, BackoffBase)
	assert.Equal(t, 2*time.Minute, BackoffMax)
	assert.Equal(t, []string{"heater_bed", "extruder"}, Objects)
	assert.Empty(t, ClientName, "explicit empty disables identify")
}

func TestLoad_noFile(t *testing.T) {
	reset(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	SetBaseFlags(fs, DefaultFlags)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, Load(fs))
	assert.Equal(t, klipperbot.DefaultEndpoint, Endpoint)

	ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, Load(fs))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		wantErr bool
	}{
		{"defaults", func() {}, false},
		{"empty endpoint", func() { Endpoint = "" }, true},
		{"zero timeout", func() { CallTimeout = 0 }, true},
		{"max below base", func() { BackoffMax = 500 * time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t)
			tt.setup()
			if err := Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetBaseFlags_mask(t *testing.T) {
	reset(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	SetBaseFlags(fs, OmitAll)
	assert.NotNil(t, fs.Lookup("v"))
	assert.Nil(t, fs.Lookup("endpoint"))
	assert.Nil(t, fs.Lookup("power"))
}

func Test_splitList(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want []string
	}{
		{"empty", "", nil},
		{"one", "psu", []string{"psu"}},
		{"spaces and blanks", " psu, ,light ,", []string{"psu", "light"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.s))
		})
	}
}

func TestSigInfo(t *testing.T) {
	reset(t)
	saved := sigReporters
	sigReporters = nil
	t.Cleanup(func() { sigReporters = saved })

	var buf strings.Builder
	SigInfo(&buf)
	assert.Equal(t, "moonraker: "+klipperbot.DefaultEndpoint+"\n", buf.String())

	RegisterSigInfoReporter(nil)
	RegisterSigInfoReporter(func(w io.Writer) { io.WriteString(w, "first\n") })
	RegisterSigInfoReporter(func(w io.Writer) { io.WriteString(w, "second\n") })
	buf.Reset()
	SigInfo(&buf)
	assert.Equal(t, "first\nsecond\n", buf.String())
	SigInfo(nil)
}
