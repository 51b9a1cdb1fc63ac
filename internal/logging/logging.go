// Package logging builds the process-wide zerolog root logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger; in dev the console writer is used instead.
func New(env, service string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", service).Logger()
	if env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", service).Logger()
	}
	return logger
}
