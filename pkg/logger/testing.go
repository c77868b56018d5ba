package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// NewSilentLogger returns a logger that discards everything. For tests.
func NewSilentLogger() Logger {
	return &zerologLogger{
		logger: zerolog.New(io.Discard),
	}
}
