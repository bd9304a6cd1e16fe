// Package observability wires structured logging and Prometheus metrics the
// way the teacher's cmd/main.go sets up zerolog and PerpLedger's
// internal/observability package registers promauto metrics.
package observability

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger, console-formatted like
// the teacher's cmd/main.go, leveled from LOG_LEVEL.
func InitLogger(levelStr string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(parseLevel(levelStr))
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "info", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
