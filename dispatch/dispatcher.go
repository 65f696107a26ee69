package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/uiserve-go/internal/logctx"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
	"github.com/google/uuid"
)

// MaxReroutes bounds how many times one request may be rerouted.
const MaxReroutes = 8

type route struct {
	index   int
	pattern Pattern
	handler Handler
	guard   func(*http.Request) bool
	name    string
}

func (rt *route) label() string {
	if rt.name != "" {
		return rt.name
	}
	return rt.pattern.String()
}

// RouteOption configures a single route.
type RouteOption func(*route)

// WithGuard makes the route apply only to requests accepted by fn, in
// addition to its pattern.
func WithGuard(fn func(*http.Request) bool) RouteOption {
	return func(rt *route) { rt.guard = fn }
}

// WithName labels the route in logs and metrics. Defaults to the pattern.
func WithName(name string) RouteOption {
	return func(rt *route) { rt.name = name }
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics records request outcomes and route faults on in.
func WithMetrics(in *telemetry.Instruments) Option {
	return func(d *Dispatcher) { d.metrics = in }
}

// Dispatcher is an ordered route table. It implements http.Handler.
type Dispatcher struct {
	mu     sync.Mutex
	routes []*route
	frozen atomic.Bool

	log     *slog.Logger
	metrics *telemetry.Instruments
}

// New creates an empty dispatcher. Routes are added with Register.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register appends a route. It panics with ErrFrozen once the dispatcher has
// served a request.
func (d *Dispatcher) Register(p Pattern, h Handler, opts ...RouteOption) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		panic(ErrFrozen)
	}
	rt := &route{index: len(d.routes), pattern: p, handler: h}
	for _, o := range opts {
		o(rt)
	}
	d.routes = append(d.routes, rt)
}

// Len reports the number of registered routes.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routes)
}

func (d *Dispatcher) freeze() []*route {
	if !d.frozen.Load() {
		d.mu.Lock()
		d.frozen.Store(true)
		d.mu.Unlock()
	}
	return d.routes
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.Dispatch(w, r)
}

// Dispatch runs r through the route chain.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) {
	routes := d.freeze()

	ctx := r.Context()
	if logctx.RequestID(ctx) == "" {
		ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		r = r.WithContext(ctx)
	}

	ex := &Exchange{w: &trackingWriter{ResponseWriter: w}, r: r, log: d.log}
	outcome := d.run(routes, ex)
	d.metrics.Request(ctx, outcome)
}

func (d *Dispatcher) run(routes []*route, ex *Exchange) string {
	for depth := 0; ; depth++ {
		if hasDotSegment(ex.Path()) {
			d.log.DebugContext(ex.Context(), "rejecting path with dot segments", slog.String("path", ex.Path()))
			WriteError(ex.w, ex.r, http.StatusNotFound, http.StatusText(http.StatusNotFound))
			return "not_found"
		}
		res, rt, err := d.chain(routes, ex)
		if err != nil {
			d.fail(ex, rt, err)
			return "error"
		}
		switch res {
		case Terminated:
			return "terminated"
		case rerouted:
			if depth >= MaxReroutes {
				d.fail(ex, rt, Error(http.StatusInternalServerError, ErrRerouteLoop))
				return "error"
			}
			d.log.DebugContext(ex.Context(), "rerouting request", slog.String("from", ex.Path()), slog.String("to", ex.pending))
			ex.applyReroute()
			continue
		}
		d.log.DebugContext(ex.Context(), "no route handled request", slog.String("path", ex.Path()))
		WriteError(ex.w, ex.r, http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return "not_found"
	}
}

// chain evaluates routes in order until one ends the chain, reroutes or fails.
func (d *Dispatcher) chain(routes []*route, ex *Exchange) (Result, *route, error) {
	for _, rt := range routes {
		params, ok := rt.pattern.Match(ex.Path())
		if !ok {
			continue
		}
		if rt.guard != nil && !rt.guard(ex.r) {
			continue
		}
		ex.params = params

		res, err := d.invoke(rt, ex)
		if err != nil {
			return Terminated, rt, err
		}
		switch res {
		case Continue:
			if ex.Committed() {
				d.log.WarnContext(ex.Context(), "route continued after committing the response", slog.String("route", rt.label()))
				return Terminated, rt, nil
			}
		case rerouted:
			return rerouted, rt, nil
		default:
			return Terminated, rt, nil
		}
	}
	return Continue, nil, nil
}

func (d *Dispatcher) invoke(rt *route, ex *Exchange) (res Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			res, err = Terminated, &PanicError{Value: v}
		}
	}()
	return rt.handler.Serve(ex)
}

func (d *Dispatcher) fail(ex *Exchange, rt *route, err error) {
	ctx := ex.Context()
	label := "dispatch"
	if rt != nil {
		label = rt.label()
		ctx = logctx.WithRouteData(ctx, &logctx.RouteData{Index: rt.index, Pattern: rt.pattern.String()})
	}
	status := StatusOf(err)
	d.metrics.RouteFault(ctx, label)

	if ex.Committed() {
		d.log.ErrorContext(ctx, "route failed after response was committed", slog.String("route", label), slog.String("err", err.Error()))
		return
	}
	if status >= http.StatusInternalServerError {
		d.log.ErrorContext(ctx, "route failed", slog.String("route", label), slog.Int("status", status), slog.String("err", err.Error()))
	} else {
		d.log.InfoContext(ctx, "route rejected request", slog.String("route", label), slog.Int("status", status), slog.String("err", err.Error()))
	}
	WriteError(ex.w, ex.r, status, messageFor(status, err))
}

// messageFor hides internal error details from 5xx responses.
func messageFor(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(status), err.Error())
}

// hasDotSegment reports whether p contains a "." or ".." segment. Such paths
// never reach a route.
func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
