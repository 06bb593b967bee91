// Package logging configures zerolog's global logger once at process
// startup, following asch-bs3's loggerSetup: console-pretty output
// optionally, a global level, and a session id stamped into every
// subsequent log line for correlating output across a process lifetime.
package logging

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger and returns the session id it
// stamped into every subsequent log line.
func Setup(pretty bool, level int) string {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.Level(level))

	session := uuid.NewString()
	log.Logger = log.With().Str("session", session).Logger()
	return session
}
