package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

type Logger struct {
	zl   zerolog.Logger
	file *os.File
}

// New writes every entry at or above level to filePath and, when includeStdout
// is set, Info and above to the console as well.
// Debug stays out of the console so progress output isn't broken up.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{f}
	if includeStdout {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05", NoColor: true}
		writers = append(writers, &minLevelWriter{w: console, min: zerolog.InfoLevel})
	}

	return &Logger{
		zl:   newZerolog(zerolog.MultiLevelWriter(writers...), level),
		file: f,
	}, nil
}

// NewWithWriter logs to w only, mostly for tests.
func NewWithWriter(w io.Writer, level Level) *Logger {
	return &Logger{zl: newZerolog(w, level)}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func newZerolog(w io.Writer, level Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.zl.Debug().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Info(f string, v ...any)  { l.zl.Info().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Warn(f string, v ...any)  { l.zl.Warn().Msg(fmt.Sprintf(f, v...)) }
func (l *Logger) Error(f string, v ...any) { l.zl.Error().Msg(fmt.Sprintf(f, v...)) }

// Fatal logs and exits. zerolog's Fatal already calls os.Exit(1).
func (l *Logger) Fatal(f string, v ...any) { l.zl.Fatal().Msg(fmt.Sprintf(f, v...)) }

// With returns a child logger tagging every entry with key=value
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), file: l.file}
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// minLevelWriter forwards entries at or above min to w.
type minLevelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (m *minLevelWriter) Write(p []byte) (int, error) {
	return m.w.Write(p)
}

func (m *minLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < m.min {
		return len(p), nil
	}
	return m.w.Write(p)
}
