package dispatch

import "net/http"

// Result tells the dispatcher what to do after a handler returns.
type Result int

const (
	// Terminated ends the chain; the handler produced (or will produce) the
	// response.
	Terminated Result = iota
	// Continue passes the request to the next matching route.
	Continue

	rerouted
)

func (r Result) String() string {
	switch r {
	case Terminated:
		return "terminated"
	case Continue:
		return "continue"
	case rerouted:
		return "rerouted"
	default:
		return "unknown"
	}
}

// Handler serves one step of the route chain.
type Handler interface {
	Serve(ex *Exchange) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ex *Exchange) (Result, error)

func (f HandlerFunc) Serve(ex *Exchange) (Result, error) { return f(ex) }

// Wrap adapts a terminal http.Handler, such as the UI renderer or the push
// transport. The wrapped handler always ends the chain.
func Wrap(h http.Handler) Handler {
	return HandlerFunc(func(ex *Exchange) (Result, error) {
		h.ServeHTTP(ex.Writer(), ex.Request())
		return Terminated, nil
	})
}
