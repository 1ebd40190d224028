package cfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML config file.
type File struct {
	Endpoint     string        `yaml:"endpoint"`
	Token        string        `yaml:"token"`
	TokenType    string        `yaml:"token_type"`
	ClientName   *string       `yaml:"client_name"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	Backoff      BackoffFile   `yaml:"backoff"`
	Objects      []string      `yaml:"objects"`
	PowerDevices []string      `yaml:"power_devices"`
}

type BackoffFile struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// LoadFile reads the config file.  Environment variables referenced as
// ${VAR} are expanded.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// setting binds a file value to its flag and environment variable.
type setting struct {
	flag  string
	env   string
	apply func(File)
}

var settings = []setting{
	{"endpoint", envEndpoint, func(f File) { setIf(&Endpoint, f.Endpoint) }},
	{"token", envToken, func(f File) { setIf(&Token, f.Token) }},
	{"token-type", envTokenType, func(f File) { setIf(&TokenType, f.TokenType) }},
	{"client-name", envClientName, func(f File) {
		if f.ClientName != nil {
			ClientName = *f.ClientName
		}
	}},
	{"timeout", envCallTimeout, func(f File) { setIf(&CallTimeout, f.CallTimeout) }},
	{"backoff-base", envBackoffBase, func(f File) { setIf(&BackoffBase, f.Backoff.Base) }},
	{"backoff-max", envBackoffMax, func(f File) { setIf(&BackoffMax, f.Backoff.Max) }},
	{"objects", envObjects, func(f File) { setList(&Objects, f.Objects) }},
	{"power", envPowerDevices, func(f File) { setList(&PowerDevices, f.PowerDevices) }},
}

func setIf[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func setList(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

// ApplyFile applies the file values that were not set in the environment or
// on the command line.  explicit reports whether the flag with the given
// name was set.
func ApplyFile(f File, explicit func(flag string) bool) {
	for _, s := range settings {
		if explicit(s.flag) {
			continue
		}
		if _, ok := os.LookupEnv(s.env); ok {
			continue
		}
		s.apply(f)
	}
}

// Load loads ConfigFile, if set, and applies it under the values set in fs
// and in the environment, then validates the result.
func Load(fs *flag.FlagSet) error {
	if ConfigFile != "" {
		f, err := LoadFile(ConfigFile)
		if err != nil {
			return err
		}
		set := make(map[string]bool)
		fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		ApplyFile(f, func(name string) bool { return set[name] })
	}
	return Validate()
}

// Validate checks the resulting configuration.
func Validate() error {
	var errs error
	if Endpoint == "" {
		errs = errors.Join(errs, errors.New("endpoint is empty"))
	}
	if CallTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("invalid call timeout: %s", CallTimeout))
	}
	if BackoffBase <= 0 || BackoffMax < BackoffBase {
		errs = errors.Join(errs, fmt.Errorf("invalid backoff: base %s, max %s", BackoffBase, BackoffMax))
	}
	return errs
}
