// Package logger implements the daemon's leveled logger.
//
// Grounded on gcsfuse's internal/logger package — only its test files
// (logger_test.go, async_logger_test.go) survived retrieval, so this
// implementation is rebuilt to satisfy their documented contract: a
// log/slog-backed logger with TRACE/DEBUG/INFO/WARNING/ERROR/OFF levels,
// a pluggable text-or-JSON handler, package-level Tracef/Debugf/Infof/
// Warnf/Errorf helpers, and file rotation via
// gopkg.in/natefinch/lumberjack.v2.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names, matching the -d cumulative verbosity levels and
// gcsfuse's config.TRACE..config.OFF string constants.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog.Level values for each severity. TRACE sits below slog's built-in
// LevelDebug and OFF sits above LevelError, matching gcsfuse's level
// ladder.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

// RotateConfig mirrors lumberjack's own tunables, exposed here so
// internal/config can populate it from the CLI/config-file surface
// without importing lumberjack directly.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultRotateConfig matches gcsfuse's DefaultLogRotateConfig: modest
// defaults suitable for a long-running daemon.
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 10, BackupFileCount: 5, Compress: true}
}

type loggerFactory struct {
	file      *lumberjack.Logger
	sysWriter io.Writer // non-nil when logging to stderr (-s), instead of a file
	format    string    // "text" or "json"
	level     string
	rotate    RotateConfig
}

var defaultLoggerFactory = &loggerFactory{
	sysWriter: os.Stderr,
	format:    "text",
	level:     INFO,
	rotate:    DefaultRotateConfig(),
}

var programLevel = new(slog.LevelVar)
var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))

func init() {
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
}

// textHandler renders `time="..." severity=LEVEL message="..."`, the
// format gcsfuse's text handler produces.
type textHandler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityName(r.Level), r.Message)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{w: h.w, level: h.level, attrs: append(h.attrs, attrs...)}
}

func (h *textHandler) WithGroup(string) slog.Handler { return h }

// jsonHandler renders gcsfuse's {"timestamp":{"seconds":N,"nanos":N},
// "severity":"LEVEL","message":"..."} shape.
type jsonHandler struct {
	w     io.Writer
	level slog.Leveler
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.w, `{"timestamp":{"seconds":%d,"nanos":%d},"severity":%q,"message":%q}`+"\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), r.Message)
	return err
}

func (h *jsonHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(string) slog.Handler      { return h }

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return TRACE
	case l < LevelInfo:
		return DEBUG
	case l < LevelWarn:
		return INFO
	case l < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, _ string) slog.Handler {
	if f.format == "json" {
		return &jsonHandler{w: w, level: level}
	}
	return &textHandler{w: w, level: level}
}

// setLoggingLevel maps a severity name onto the live slog.LevelVar.
func setLoggingLevel(level string, v *slog.LevelVar) {
	switch level {
	case TRACE:
		v.Set(LevelTrace)
	case DEBUG:
		v.Set(LevelDebug)
	case INFO:
		v.Set(LevelInfo)
	case WARNING:
		v.Set(LevelWarn)
	case ERROR:
		v.Set(LevelError)
	case OFF:
		v.Set(LevelOff)
	default:
		v.Set(LevelInfo)
	}
}

// InitLogFile switches the default logger to write to a rotated file,
// the default (non -s) logging destination.
func InitLogFile(path string, level string, format string, rotate RotateConfig) error {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	defaultLoggerFactory = &loggerFactory{file: lj, format: format, level: level, rotate: rotate}
	setLoggingLevel(level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(lj, programLevel, ""))
	return nil
}

// InitStderr switches the default logger to stderr, the -s flag's
// destination.
func InitStderr(level string, format string) {
	defaultLoggerFactory = &loggerFactory{sysWriter: os.Stderr, format: format, level: level}
	setLoggingLevel(level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
}

// SetLogFormat changes the active handler's rendering without touching
// its destination or level, matching gcsfuse's SetLogFormat.
func SetLogFormat(format string) {
	if format != "json" && format != "text" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	w := defaultLoggerFactory.sysWriter
	if w == nil {
		w = defaultLoggerFactory.file
	}
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
}

func Tracef(format string, args ...any) { logAt(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logAt(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logAt(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logAt(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logAt(LevelError, format, args...) }

func logAt(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}
