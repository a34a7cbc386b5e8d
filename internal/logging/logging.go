// Package logging wraps log/slog with a handler that mirrors every record
// to the analyser's own log file (xen-crashdump-analyser.log, spec §5)
// and, above a configured verbosity threshold, to stderr — the same
// dual-sink shape as the teacher's own slog wrapper.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// maxVerbosity is the highest verbosity level this analyser recognises:
// 0 quiet, 1 normal, 2 verbose, 3 debug (includes register/memory dumps).
// Spec §9's open question about the original's verbosity-increment
// expression is resolved here by simply clamping every --verbose flag
// past this point rather than reproducing the original's saturation bug.
const maxVerbosity = 3

// ClampVerbosity bounds a requested verbosity (one increment per -v flag)
// to [0, maxVerbosity].
func ClampVerbosity(requested int) int {
	if requested < 0 {
		return 0
	}
	if requested > maxVerbosity {
		return maxVerbosity
	}
	return requested
}

// levelForVerbosity maps a clamped verbosity to the slog level that
// enables console mirroring at or above it.
func levelForVerbosity(v int) slog.Level {
	switch v {
	case 0:
		return slog.LevelWarn
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// handler mirrors every record to out (the analyser's own log file) and,
// if its level clears consoleLevel, also to console.
type handler struct {
	out          io.Writer
	console      io.Writer
	consoleLevel slog.Level
	inner        slog.Handler
	mu           *sync.Mutex
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{out: h.out, console: h.console, consoleLevel: h.consoleLevel, inner: h.inner.WithAttrs(attrs), mu: h.mu}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{out: h.out, console: h.console, consoleLevel: h.consoleLevel, inner: h.inner.WithGroup(name), mu: h.mu}
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	fields := []string{r.Time.Format("2006-01-02 15:04:05"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, fmt.Sprintf("%s=%s", a.Key, a.Value))
		return true
	})
	line := strings.Join(fields, " ") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write([]byte(line))
	}
	if h.console != nil && r.Level >= h.consoleLevel {
		if _, cErr := h.console.Write([]byte(line)); err == nil {
			err = cErr
		}
	}
	return err
}

// New builds a *slog.Logger that writes every record to logFile and
// mirrors records at or above the level implied by verbosity to console.
// A nil console disables mirroring entirely (useful for tests).
func New(logFile io.Writer, console io.Writer, verbosity int) *slog.Logger {
	v := ClampVerbosity(verbosity)
	h := &handler{
		out:          logFile,
		console:      console,
		consoleLevel: levelForVerbosity(v),
		inner:        slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}),
		mu:           &sync.Mutex{},
	}
	return slog.New(h)
}
