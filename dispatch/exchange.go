package dispatch

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Exchange carries one request through the route chain.
type Exchange struct {
	w       *trackingWriter
	r       *http.Request
	params  map[string]string
	pending string
	log     *slog.Logger
}

// Writer returns the response writer. It supports http.Flusher and
// http.ResponseController.
func (ex *Exchange) Writer() http.ResponseWriter { return ex.w }

func (ex *Exchange) Request() *http.Request { return ex.r }

// SetRequest replaces the request seen by the remaining routes, typically to
// attach values to its context.
func (ex *Exchange) SetRequest(r *http.Request) { ex.r = r }

func (ex *Exchange) Context() context.Context { return ex.r.Context() }

// Path is the path routes are matched against.
func (ex *Exchange) Path() string { return ex.r.URL.Path }

// Param returns the named parameter captured by the current route's pattern.
func (ex *Exchange) Param(name string) string { return ex.params[name] }

// Committed reports whether the response status has been sent.
func (ex *Exchange) Committed() bool { return ex.w.committed }

func (ex *Exchange) Logger() *slog.Logger { return ex.log }

// Reroute restarts dispatch from the first route with path replacing the
// request path. A query string in path replaces the current query; otherwise
// the current query is kept. Handlers return its result directly:
//
//	return ex.Reroute("/webjars/" + ex.Param("lib"))
func (ex *Exchange) Reroute(path string) (Result, error) {
	if ex.Committed() {
		return Terminated, errors.New("dispatch: reroute after response committed")
	}
	ex.pending = path
	return rerouted, nil
}

func (ex *Exchange) applyReroute() {
	path, query, hasQuery := strings.Cut(ex.pending, "?")
	ex.pending = ""
	r := ex.r.Clone(ex.r.Context())
	r.URL.Path = path
	r.URL.RawPath = ""
	if hasQuery {
		r.URL.RawQuery = query
	}
	r.RequestURI = r.URL.RequestURI()
	ex.r = r
	ex.params = nil
}

type trackingWriter struct {
	http.ResponseWriter
	committed bool
}

func (w *trackingWriter) WriteHeader(code int) {
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.committed = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.committed = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.committed = true
		f.Flush()
	}
}

// Hijack supports websocket-style push transports behind Wrap.
func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.committed = true
	return h.Hijack()
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
