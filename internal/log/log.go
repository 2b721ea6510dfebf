// Package log holds the process-wide application logger.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

var logger hclog.Logger

func Init() {
	level := hclog.LevelFromString(os.Getenv("LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  "autopilot",
		Level: level,
	})
	hclog.SetDefault(logger)
}

// Named returns a child logger for a component.
func Named(name string) hclog.Logger {
	return get().Named(name)
}

func Debug(format string, args ...any) {
	get().Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	get().Info(fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	get().Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
}

func get() hclog.Logger {
	if logger == nil {
		Init()
	}
	return logger
}
