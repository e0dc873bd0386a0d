// Package logging wires structured, redacting slog output and the
// per-request id middleware every handler package logs through.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// level is the process-wide log level, adjustable at runtime (e.g. by an
// admin endpoint, not specified here) without rebuilding the handler.
var level = new(slog.LevelVar)

// redactedHeaders are the request header names stripped from any log
// attribute carrying a copy of request metadata, so a bearer token or
// vendor API key never reaches log storage.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"cookie":        true,
	"set-cookie":    true,
}

// RedactingHandler wraps an slog.Handler and strips known-sensitive
// attribute values before they reach the wrapped handler.
type RedactingHandler struct {
	slog.Handler
}

// Handle redacts any record attribute whose key names a known-sensitive
// header before delegating to the wrapped handler.
func (h RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		if redactedHeaders[strings.ToLower(a.Key)] {
			a.Value = slog.StringValue("[REDACTED]")
		}
		redacted.AddAttrs(a)
		return true
	})
	return h.Handler.Handle(ctx, redacted)
}

func (h RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return RedactingHandler{h.Handler.WithAttrs(attrs)}
}

func (h RedactingHandler) WithGroup(name string) slog.Handler {
	return RedactingHandler{h.Handler.WithGroup(name)}
}

// New builds the process-wide JSON logger, writing to w (os.Stdout in
// production, a test buffer in unit tests).
func New(w *os.File) *slog.Logger {
	handler := RedactingHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})}
	return slog.New(handler)
}

// SetLevel adjusts the process-wide log level at runtime.
func SetLevel(l slog.Level) { level.Set(l) }

// RequestLogger is chi middleware that logs one structured line per
// request, carrying the request id middleware.RequestID attached.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
			)
		})
	}
}
