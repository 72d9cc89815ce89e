package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes an optional rotating log file that receives a copy of
// every structured log line.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Option customises Setup.
type Option func(*setupOptions)

type setupOptions struct {
	file  FileConfig
	level slog.Level
}

// WithFile mirrors log output into a size-rotated file. Empty paths are ignored.
func WithFile(cfg FileConfig) Option {
	return func(o *setupOptions) {
		o.file = cfg
	}
}

// WithLevel sets the minimum level emitted by the handler.
func WithLevel(level slog.Level) Option {
	return func(o *setupOptions) {
		o.level = level
	}
}

// ParseLevel maps the usual level names onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string, opts ...Option) *slog.Logger {
	options := setupOptions{level: slog.LevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	var out io.Writer = os.Stdout
	if path := strings.TrimSpace(options.file.Path); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    options.file.MaxSizeMB,
			MaxBackups: options.file.MaxBackups,
			MaxAge:     options.file.MaxAgeDays,
			Compress:   options.file.Compress,
		})
	}

	handler := newHandler(out, options.level)

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func newHandler(out io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return Redact(attr)
		},
	})
}

// Discard returns a logger that drops everything. Tests and optional
// collaborators use it in place of a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
