// ABOUTME: slog setup for the coven-state binary
// ABOUTME: Text output goes through a colorized handler, json through slog's JSON handler

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-state/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newLogHandler(cfg, os.Stdout))
}

func newLogHandler(cfg config.LoggingConfig, out io.Writer) slog.Handler {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return &colorHandler{out: out, level: level, mu: &sync.Mutex{}}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorHandler writes one colorized line per record. Handlers derived via
// WithAttrs or WithGroup share the parent's mutex.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
