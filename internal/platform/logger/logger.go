package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output to stdout so
// log shippers can parse attributes without extra configuration.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
