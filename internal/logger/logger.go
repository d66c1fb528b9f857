// Package logger provides the process-wide zerolog logger and request-scoped
// child loggers.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Level   string    // trace|debug|info|warn|error
	Format  string    // console|json
	Service string
	Writer  io.Writer // defaults to os.Stdout
}

var root atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	root.Store(&l)
}

// Init builds the root logger from opt. It may be called again to reconfigure.
func Init(opt Options) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	if strings.ToLower(opt.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(ParseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	l := ctx.Logger()
	root.Store(&l)
}

// Get returns the root logger.
func Get() *zerolog.Logger {
	return root.Load()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

type ctxKey struct{}

// WithRequestID stores the request ID on ctx for C.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, reqID)
}

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// C returns a child logger carrying the request ID found on ctx.
func C(ctx context.Context) *zerolog.Logger {
	l := Get()
	if id := RequestID(ctx); id != "" {
		ll := l.With().Str("request_id", id).Logger()
		return &ll
	}
	return l
}

// Named returns a child logger with a component field.
func Named(component string) *zerolog.Logger {
	ll := Get().With().Str("component", component).Logger()
	return &ll
}
