package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elnormous/contenttype"
)

var (
	// ErrFrozen is the panic value of Register once dispatch has started.
	ErrFrozen = errors.New("dispatch: routes are frozen once serving")
	// ErrRerouteLoop is returned when a request is rerouted too many times.
	ErrRerouteLoop = errors.New("dispatch: too many reroutes")
)

// StatusCoder is implemented by errors that map to an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError attaches an HTTP status to an error.
type StatusError struct {
	Code int
	Err  error
}

// Error wraps err with an HTTP status code.
func Error(code int, err error) error {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }

// PanicError is the error a recovered handler panic is converted to.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// StatusOf returns the HTTP status an error maps to.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	return http.StatusInternalServerError
}

var (
	textMediaType   = contenttype.NewMediaType("text/plain")
	jsonMediaType   = contenttype.NewMediaType("application/json")
	errorMediaTypes = []contenttype.MediaType{textMediaType, jsonMediaType}
)

// WriteError writes an error response, as JSON when the client prefers it and
// as plain text otherwise.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h := w.Header()
	h.Del("Content-Length")
	h.Set("X-Content-Type-Options", "nosniff")

	mt, _, err := contenttype.GetAcceptableMediaType(r, errorMediaTypes)
	if err == nil && mt.Type == jsonMediaType.Type && mt.Subtype == jsonMediaType.Subtype {
		h.Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
		return
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, msg)
}
