// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger, or a console writer outside production.
func New(env string) zerolog.Logger {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log
}
