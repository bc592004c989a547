// Package log provides slog handlers and log value helpers.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// Format is a log output format.
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
	FormatNone    Format = "none"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(d time.Duration) slog.Value {
		return slog.StringValue(d.String())
	}),
	slogformatter.FormatByType(func(b []byte) slog.Value {
		return slog.StringValue(string(b))
	}),
)

// Options configures a logger built by [New].
type Options struct {
	Format    Format
	Level     slog.Leveler
	Output    io.Writer
	AddSource bool
}

func (o *Options) format() Format {
	if o == nil || o.Format == "" {
		return FormatConsole
	}
	return o.Format
}

func (o *Options) level() slog.Leveler {
	if o == nil || o.Level == nil {
		return slog.LevelInfo
	}
	return o.Level
}

func (o *Options) output() io.Writer {
	if o == nil || o.Output == nil {
		return os.Stdout
	}
	return o.Output
}

func (o *Options) addSource() bool { return o != nil && o.AddSource }

// New creates a logger with the requested format.
// Unknown formats fall back to the console format.
func New(opts *Options) *slog.Logger {
	var h slog.Handler
	switch opts.format() {
	case FormatNone:
		return Noop
	case FormatDev:
		h = devslog.NewHandler(opts.output(), &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: opts.addSource(),
				Level:     opts.level(),
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(opts.output(), &slog.HandlerOptions{
			AddSource: opts.addSource(),
			Level:     opts.level(),
		})
	default:
		h = console.NewHandler(opts.output(), &console.HandlerOptions{
			AddSource:  opts.addSource(),
			Level:      opts.level(),
			TimeFormat: time.RFC3339Nano,
		})
	}
	return slog.New(newHandler(h))
}

// Def is a default debug console logger.
var Def = New(&Options{Format: FormatConsole, Level: slog.LevelDebug, AddSource: true})

// Dev is a developer logger.
var Dev = New(&Options{Format: FormatDev, Level: slog.LevelDebug, AddSource: true})

var defLog atomic.Pointer[slog.Logger]

func init() { defLog.Store(Def) }

// Default returns the logger used when no logger is configured.
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the logger returned by [Default].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Def
	}
	defLog.Store(l)
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }

type calcValue struct{ fn func() any }

func (v calcValue) LogValue() slog.Value {
	switch cv := v.fn().(type) {
	case slog.Value:
		return cv
	default:
		return slog.AnyValue(cv)
	}
}

// CalcValue returns a value logger that computes a value lazily using fn.
func CalcValue(fn func() any) slog.LogValuer { return calcValue{fn} }
