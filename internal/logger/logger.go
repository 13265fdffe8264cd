package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05"

// Logger wraps a zerolog logger and the files it owns.
type Logger struct {
	zl      zerolog.Logger
	files   []*os.File
	enabled bool
}

var globalLogger *Logger

// Init initializes the logger. Each file receives every level from debug up;
// the console receives levelStr and above.
func Init(enabled bool, levelStr string, logFile string, console bool, extraFiles ...string) error {
	if !enabled {
		Close()
		globalLogger = &Logger{zl: zerolog.Nop(), enabled: false}
		return nil
	}

	level := parseLevel(levelStr)
	l := &Logger{enabled: true}
	var writers []io.Writer

	for _, path := range append([]string{logFile}, extraFiles...) {
		if path == "" {
			continue
		}
		f, err := openLogFile(path)
		if err != nil {
			l.closeFiles()
			return err
		}
		l.files = append(l.files, f)
		writers = append(writers, zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: timeFormat})
	}

	if console || len(writers) == 0 {
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}},
			Level:  level,
		})
	}

	minLevel := level
	if len(l.files) > 0 {
		minLevel = zerolog.DebugLevel
	}
	l.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(minLevel).With().Timestamp().Logger()

	Close()
	globalLogger = l
	return nil
}

// Close releases any log files held by the global logger.
func Close() {
	if globalLogger == nil {
		return
	}
	globalLogger.closeFiles()
}

func (l *Logger) closeFiles() {
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = nil
}

func openLogFile(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func active() bool {
	return globalLogger != nil && globalLogger.enabled
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	if !active() {
		return
	}
	globalLogger.zl.Debug().Msgf(format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	if !active() {
		return
	}
	globalLogger.zl.Info().Msgf(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	if !active() {
		return
	}
	globalLogger.zl.Warn().Msgf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	if !active() {
		return
	}
	globalLogger.zl.Error().Msgf(format, args...)
}
