// Package envfile loads the .env file into the environment before the
// configuration defaults are read.  Variables already set in the environment
// take precedence.
package envfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Name is the env file name, it can be overridden with KBOT_ENV_FILE.
const Name = ".env"

func init() {
	if err := Load(filename()); err != nil {
		fmt.Fprintf(os.Stderr, "kbot: %v\n", err)
	}
}

func filename() string {
	if f := os.Getenv("KBOT_ENV_FILE"); f != "" {
		return f
	}
	return Name
}

// Load loads the env file.  A missing file is not an error.
func Load(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}
