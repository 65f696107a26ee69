// Package dispatch routes a request through an ordered chain of handlers with
// fallback semantics.
//
// Routes are evaluated in registration order. A route whose pattern matches
// the request path (and whose optional guard accepts the request) is invoked
// with an *Exchange. The handler either ends the chain (Terminated) or hands
// the request to the next matching route (Continue). A request that runs off
// the end of the chain receives a 404.
//
// Handlers report failures by returning an error. The dispatcher turns it
// into an error response whose status comes from the error when it
// implements StatusCoder, 500 otherwise. Panics are recovered and treated the
// same way. Once a response has been committed, failures are only logged.
//
// Routes are registered at startup. The first dispatched request freezes the
// route table; later calls to Register panic with ErrFrozen.
//
// Example:
//
//	d := dispatch.New(dispatch.WithLogger(logger))
//	d.Register(dispatch.Regex(`/users/(?P<id>\d+)`), dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
//		fmt.Fprintf(ex.Writer(), "user %s", ex.Param("id"))
//		return dispatch.Terminated, nil
//	}))
//	d.Register(dispatch.Any(), dispatch.Wrap(uiHandler))
//	http.ListenAndServe(":8080", d)
package dispatch
