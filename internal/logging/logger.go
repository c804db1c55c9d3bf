package logging

import (
	"log/slog"
	"os"

	"gorm.io/gorm"
)

// Setup initializes the global slog logger with JSON output to stdout.
func Setup(appEnv string) {
	slog.SetDefault(slog.New(stdoutHandler(appEnv)))
}

// AttachDatabase makes the default logger also persist ERROR+ records to
// system_logs. The returned handler must be stopped on shutdown.
func AttachDatabase(db *gorm.DB, appEnv string) *PGHandler {
	pg := NewPGHandler(db)
	slog.SetDefault(slog.New(NewMultiHandler(stdoutHandler(appEnv), pg)))
	return pg
}

func stdoutHandler(appEnv string) slog.Handler {
	level := slog.LevelInfo
	if appEnv == "development" {
		level = slog.LevelDebug
	}
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
}
