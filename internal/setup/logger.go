package setup

import "log/slog"

var packageLogger = slog.Default().With("component", "setup")

// SetLogger replaces the package logger. Nil restores the default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	packageLogger = logger.With("component", "setup")
}

func getLogger() *slog.Logger {
	return packageLogger
}
