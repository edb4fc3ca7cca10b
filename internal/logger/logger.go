package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/kardianos/service"
	slogmulti "github.com/samber/slog-multi"
)

// Setup builds the process logger: a text handler on logFile fanned out to the service
// logger, which is the system log when running under the service manager. A nil svc
// logs to the file only. The result is also installed as the slog default.
func Setup(svc service.Logger, logFile io.Writer, level slog.Level) *slog.Logger {
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level})

	var handler slog.Handler = fileHandler
	if svc != nil {
		handler = slogmulti.Fanout(fileHandler, &ServiceHandler{svc: svc, level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to a level. Anything else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ServiceHandler adapts slog.Handler to service.Logger. Each record is formatted as
// text without time and level, which the system log adds itself.
type ServiceHandler struct {
	svc   service.Logger
	level slog.Level
	// with replays WithAttrs and WithGroup calls, in order, onto the formatting handler.
	with []func(slog.Handler) slog.Handler
}

// Enabled reports whether level reaches the handler's minimum level.
func (h *ServiceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats the record and writes it to the service logger.
func (h *ServiceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.svc == nil {
		return nil
	}

	var buf bytes.Buffer
	var handler slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	for _, w := range h.with {
		handler = w(handler)
	}
	if err := handler.Handle(ctx, r); err != nil {
		return err
	}

	msg := strings.TrimSpace(buf.String())
	switch {
	case r.Level >= slog.LevelError:
		return h.svc.Error(msg)
	case r.Level >= slog.LevelWarn:
		return h.svc.Warning(msg)
	default:
		return h.svc.Info(msg)
	}
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *ServiceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

// WithGroup returns a handler that nests later attributes under name.
func (h *ServiceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *ServiceHandler) extend(w func(slog.Handler) slog.Handler) *ServiceHandler {
	with := make([]func(slog.Handler) slog.Handler, len(h.with), len(h.with)+1)
	copy(with, h.with)
	return &ServiceHandler{svc: h.svc, level: h.level, with: append(with, w)}
}
