package log

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process logger.
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Unknown or empty values fall back to info.
	Level string

	// JSON selects machine-readable output; the default is the
	// human-oriented console writer.
	JSON bool

	// Output defaults to stdout.
	Output io.Writer
}

// root holds the configured logger. It is usable before Setup runs so
// package init paths can log during tests and early startup.
var root atomic.Pointer[zerolog.Logger]

func init() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	root.Store(&logger)
}

// Setup configures the process logger. Safe to call concurrently with
// logging; loggers handed out earlier keep their old settings.
func Setup(opts Options) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	if !opts.JSON {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	root.Store(&logger)
}

// Field is an identifier attached to every line of a component logger.
type Field struct {
	Key   string
	Value string
}

// Collection tags log lines with a collection id.
func Collection(id string) Field { return Field{Key: "collection_id", Value: id} }

// Stream tags log lines with a WAL stream id.
func Stream(id string) Field { return Field{Key: "wal_stream", Value: id} }

// Tenant tags log lines with a tenant id.
func Tenant(id string) Field { return Field{Key: "tenant_id", Value: id} }

// WithComponent returns a logger scoped to one engine component, with
// optional identifier fields:
//
//	logger := log.WithComponent("tier", log.Collection(cid.String()))
func WithComponent(name string, fields ...Field) zerolog.Logger {
	builder := root.Load().With().Str("component", name)
	for _, field := range fields {
		builder = builder.Str(field.Key, field.Value)
	}
	return builder.Logger()
}
