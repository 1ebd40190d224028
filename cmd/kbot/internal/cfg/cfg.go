// Package cfg contains common configuration variables.
//
// The values are layered: built-in defaults, then the YAML config file, then
// the environment (including .env), then the command line flags.
package cfg

import (
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rusq/osenv/v2"

	"github.com/rusq/klipperbot"
	_ "github.com/rusq/klipperbot/cmd/kbot/internal/envfile"
)

var (
	TraceFile   string = os.Getenv("TRACE_FILE")
	LogFile     string = os.Getenv("LOG_FILE")
	JSONHandler bool   = os.Getenv("JSON_LOG") != ""
	Verbose     bool   = osenv.Value("DEBUG", false)

	ConfigFile  = osenv.Value(envConfig, "")
	Endpoint    = osenv.Value(envEndpoint, klipperbot.DefaultEndpoint)
	Token       = osenv.Value(envToken, "")
	TokenType   = osenv.Value(envTokenType, "api_key")
	ClientName  = osenv.Value(envClientName, klipperbot.ClientName)
	CallTimeout = envDuration(envCallTimeout, klipperbot.DefaultCallTimeout)
	BackoffBase = envDuration(envBackoffBase, klipperbot.DefaultBackoffBase)
	BackoffMax  = envDuration(envBackoffMax, klipperbot.DefaultBackoffMax)

	Objects      = envList(envObjects)
	PowerDevices = envList(envPowerDevices)

	Log *slog.Logger = slog.Default()
)

const (
	envConfig       = "KBOT_CONFIG"
	envEndpoint     = "MOONRAKER_ENDPOINT"
	envToken        = "MOONRAKER_TOKEN"
	envTokenType    = "MOONRAKER_TOKEN_TYPE"
	envClientName   = "KBOT_CLIENT_NAME"
	envCallTimeout  = "KBOT_CALL_TIMEOUT"
	envBackoffBase  = "KBOT_BACKOFF_BASE"
	envBackoffMax   = "KBOT_BACKOFF_MAX"
	envObjects      = "KBOT_OBJECTS"
	envPowerDevices = "KBOT_POWER_DEVICES"
)

type FlagMask uint16

const (
	DefaultFlags     FlagMask = 0
	OmitConnectFlags FlagMask = 1 << (iota - 1)
	OmitPowerFlags

	OmitAll = OmitConnectFlags | OmitPowerFlags
)

// SetBaseFlags sets base flags.
func SetBaseFlags(fs *flag.FlagSet, mask FlagMask) {
	fs.StringVar(&TraceFile, "trace", TraceFile, "trace `filename`")
	fs.StringVar(&LogFile, "log", LogFile, "log `file`, if not specified, messages are printed to STDERR")
	fs.BoolVar(&JSONHandler, "log-json", JSONHandler, "log in JSON format")
	fs.BoolVar(&Verbose, "v", Verbose, "verbose messages")

	if mask&OmitConnectFlags == 0 {
		fs.StringVar(&ConfigFile, "config", ConfigFile, "YAML config `file`")
		fs.StringVar(&Endpoint, "endpoint", Endpoint, "Moonraker websocket `URL`")
		fs.StringVar(&Token, "token", Token, "Moonraker API key or oneshot token")
		fs.StringVar(&TokenType, "token-type", TokenType, "token `type`: api_key or oneshot")
		fs.StringVar(&ClientName, "client-name", ClientName, "client name reported to Moonraker, empty to skip identify")
		fs.DurationVar(&CallTimeout, "timeout", CallTimeout, "default call timeout")
		fs.DurationVar(&BackoffBase, "backoff-base", BackoffBase, "first reconnect delay")
		fs.DurationVar(&BackoffMax, "backoff-max", BackoffMax, "maximum reconnect delay")
		fs.Var((*listValue)(&Objects), "objects", "comma separated list of extra printer `objects` to subscribe to")
	}
	if mask&OmitPowerFlags == 0 {
		fs.Var((*listValue)(&PowerDevices), "power", "comma separated list of power `devices`")
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	s := osenv.Value(key, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "var", key, "value", s, "default", def)
		return def
	}
	return d
}

func envList(key string) []string {
	return splitList(osenv.Value(key, ""))
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// listValue is a comma separated list flag.
type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(s string) error {
	*l = splitList(s)
	return nil
}
