// Package logger installs the process wide slog handler. Records are
// rendered as "time | LEVEL | message key=value" with colored levels on
// stdout and, when a file is configured, copied without color to a
// size-rotated log file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/natefinch/lumberjack"
)

// Options configure Init. A nil Output writes to stdout.
type Options struct {
	Output     io.Writer
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// Handler is a slog.Handler writing one line per record.
type Handler struct {
	mu     *sync.Mutex
	out    io.Writer
	file   io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
	colors bool
}

// NewHandler creates a handler writing colored lines to out and plain lines
// to file. file may be nil.
func NewHandler(out, file io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		mu:     &sync.Mutex{},
		out:    out,
		file:   file,
		level:  level,
		colors: !color.NoColor,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var fields strings.Builder
	for _, attr := range h.attrs {
		writeAttr(&fields, "", attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&fields, h.group, attr)
		return true
	})

	ts := r.Time.Format("2006-01-02T15:04:05")
	level := r.Level.String()
	plain := fmt.Sprintf("%s | %-5s | %s%s\n", ts, level, r.Message, fields.String())

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.out != nil {
		line := plain
		if h.colors {
			line = fmt.Sprintf("%s | %s | %s%s\n",
				color.GreenString(ts),
				colorLevel(r.Level, fmt.Sprintf("%-5s", level)),
				color.CyanString(r.Message),
				fields.String(),
			)
		}
		if _, err := io.WriteString(h.out, line); err != nil {
			return err
		}
	}
	if h.file != nil {
		if _, err := io.WriteString(h.file, plain); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if h.group != "" {
		c.group = h.group + "." + name
	} else {
		c.group = name
	}
	return &c
}

func colorLevel(level slog.Level, s string) string {
	switch {
	case level >= slog.LevelError:
		return color.RedString(s)
	case level >= slog.LevelWarn:
		return color.YellowString(s)
	case level >= slog.LevelInfo:
		return color.BlueString(s)
	default:
		return color.MagentaString(s)
	}
}

func writeAttr(b *strings.Builder, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			writeAttr(b, key, a)
		}
		return
	}
	val := attr.Value.String()
	if strings.ContainsAny(val, " \t\n\"") {
		val = fmt.Sprintf("%q", val)
	}
	fmt.Fprintf(b, " %s=%s", key, val)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs the handler as the slog default and returns a closer for
// the log file, if any.
func Init(opts Options) io.Closer {
	var file io.WriteCloser
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}

	var fileWriter io.Writer
	if file != nil {
		fileWriter = file
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handler := NewHandler(out, fileWriter, ParseLevel(opts.Level))
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", opts.Level, "file", opts.File)

	if file == nil {
		return nopCloser{}
	}
	return file
}
