// Package logging builds the two output streams of a stashsync command
// from the application configuration: a [log/slog] logger for the tool's
// own records and a role-tagged [Sink] for subprocess output. Both are
// propagated through the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hupe1980/stashsync/internal/config"
)

type (
	loggerKey struct{}
	sinkKey   struct{}
)

// Output is the pair of streams a command writes to.
type Output struct {
	Logger *slog.Logger
	Sink   *Sink
}

// Setup creates the logger and the sink configured by cfg, both writing to
// w, and installs the logger as the process-wide default.
//
// Records and subprocess lines share one lock on w, so a log record never
// splits a subprocess line. With the JSON format, subprocess lines become
// log records carrying a role attribute. Quiet drops subprocess output
// entirely and raises the log level to error.
func Setup(cfg *config.Config, w io.Writer) Output {
	if w == nil {
		w = os.Stderr
	}

	shared := &syncWriter{w: w}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.EffectiveLogLevel())}

	var handler slog.Handler

	switch cfg.LogFormat {
	case config.LogFormatJSON:
		handler = slog.NewJSONHandler(shared, opts)
	default: // text
		handler = slog.NewTextHandler(shared, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	var sink *Sink

	switch {
	case cfg.Quiet:
		sink = NewSink(io.Discard, true)
	case cfg.LogFormat == config.LogFormatJSON:
		sink = newRecordSink(logger)
	default:
		sink = NewSink(shared, cfg.NoColor)
	}

	return Output{Logger: logger, Sink: sink}
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewContext returns a child context carrying both streams of out.
func NewContext(ctx context.Context, out Output) context.Context {
	ctx = context.WithValue(ctx, loggerKey{}, out.Logger)
	return context.WithValue(ctx, sinkKey{}, out.Sink)
}

// FromContext extracts the logger from ctx, falling back to slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// SinkFromContext extracts the sink from ctx, falling back to an uncoloured
// sink on stderr.
func SinkFromContext(ctx context.Context) *Sink {
	if s, ok := ctx.Value(sinkKey{}).(*Sink); ok && s != nil {
		return s
	}

	return NewSink(os.Stderr, true)
}

// syncWriter serialises writes from the log handler and the sink.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}
