package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/riskbatch/internal/api/response"
)

// panicWriter remembers whether the handler already committed a response.
type panicWriter struct {
	http.ResponseWriter
	committed bool
	hijacked  bool
}

func (w *panicWriter) WriteHeader(code int) {
	w.committed = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *panicWriter) Write(b []byte) (int, error) {
	w.committed = true
	return w.ResponseWriter.Write(b)
}

func (w *panicWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.committed, w.hijacked = true, true
	return h.Hijack()
}

func (w *panicWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR and logs the
// request line, matched route and stack. When the handler already wrote a
// status (or upgraded to a websocket) nothing more is sent.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pw := &panicWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			slog.Error("handler panic",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"panic", rec,
				"response_committed", pw.committed,
				"websocket", pw.hijacked,
				"stack", string(debug.Stack()),
			)
			if pw.committed {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(pw, r)
	})
}
