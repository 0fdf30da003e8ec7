package logging

import (
	"os"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000000"}
	logger = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Disabled)
	if v := os.Getenv("SHARDBFT_LOG"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		logger = logger.Level(lvl)
	}
}

// GetLogger returns the global logger shared by the shardbft packages.
func GetLogger() zerolog.Logger {
	return logger
}

// WithID returns the global logger tagged with this replica's id.
func WithID(id uint32) zerolog.Logger {
	return logger.With().Uint32("self", id).Logger()
}
