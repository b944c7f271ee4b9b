package logger

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// std backs the package-level helpers. It starts console-only and is swapped
// by InitFromConfig once the configuration is loaded.
var std atomic.Pointer[Logger]

func init() {
	// console-only construction has no failure path
	l, _ := New(DefaultConfig())
	std.Store(l)
}

// InitFromConfig replaces the default logger with one built from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      lvl,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if old := std.Swap(l); old != nil {
		old.Close()
	}
	return nil
}

// ParseLogLevel maps a config level name to a LogLevel. Empty means INFO.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level: %s", level)
}

// SetLevel changes the level of the default logger
func SetLevel(level LogLevel) {
	std.Load().SetLevel(level)
}

func Debug(format string, args ...interface{}) { std.Load().logDepth(3, DEBUG, format, args...) }

func Info(format string, args ...interface{}) { std.Load().logDepth(3, INFO, format, args...) }

func Warn(format string, args ...interface{}) { std.Load().logDepth(3, WARN, format, args...) }

func Error(format string, args ...interface{}) { std.Load().logDepth(3, ERROR, format, args...) }

// Close closes the default logger's file
func Close() error {
	return std.Load().Close()
}
