package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

type prettyHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	source bool
	color  bool

	attrs  []slog.Attr
	prefix string
}

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &prettyHandler{
		mu:     &sync.Mutex{},
		out:    out,
		level:  opts.Level,
		source: opts.AddSource,
		color:  out == os.Stdout || out == os.Stderr,
	}
}

func Init(levelName string) {
	handler := NewPrettyHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(levelName),
		AddSource: true,
	})

	slog.SetDefault(slog.New(handler))
}

func (h *prettyHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	if h.level == nil {
		return true
	}
	return lvl >= h.level.Level()
}

func (h *prettyHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	var buf bytes.Buffer

	// time: fixed layout, always same width
	fmt.Fprintf(&buf, "%s ", r.Time.Format("2006-01-02 15:04:05.000"))

	level := levelToUpper(r.Level)
	if h.color {
		fmt.Fprintf(&buf, "%s%-5s\033[0m ", colorForLevel(r.Level), level)
	} else {
		fmt.Fprintf(&buf, "%-5s ", level)
	}

	if h.source && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		if f.File != "" {
			fmt.Fprintf(&buf, "%-25s ", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line))
		}
	}

	buf.WriteString(r.Message)

	var errVal error
	write := func(prefix string, a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		if e, ok := a.Value.Any().(error); ok && a.Key == "error" {
			errVal = e
		}
		fmt.Fprintf(&buf, " %s%s=%v", prefix, a.Key, a.Value.Any())
	}

	for _, a := range h.attrs {
		write("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.prefix, a)
		return true
	})

	buf.WriteByte('\n')

	if errVal != nil && r.Level >= slog.LevelError {
		fmt.Fprintf(&buf, "ERROR: %v\n", errVal)
		buf.Write(debug.Stack())
		buf.WriteByte('\n')
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func levelToUpper(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func colorForLevel(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "\033[36m" // cyan
	case l < slog.LevelWarn:
		return "\033[32m" // green
	case l < slog.LevelError:
		return "\033[33m" // yellow
	default:
		return "\033[31m" // red
	}
}
