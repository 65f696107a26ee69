// Package proxy forwards requests to an external development server and
// streams its responses back without buffering.
//
// A 404 from the development server is not an error: the forwarding handler
// returns dispatch.Continue so that later routes (typically static resources)
// get a chance to serve the path.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ggoodman/uiserve-go/dispatch"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
)

// DefaultTimeout applies to both Target timeouts when they are unset.
const DefaultTimeout = 120 * time.Second

// Target locates the development server.
type Target struct {
	Host string
	Port int
	// ConnectTimeout bounds establishing the connection. Defaults to 120s.
	ConnectTimeout time.Duration
	// IdleTimeout bounds the time without progress on an established
	// exchange. Defaults to 120s.
	IdleTimeout time.Duration
}

func (t Target) addr() string {
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

// GatewayError reports that the development server could not be reached or
// stopped responding.
type GatewayError struct {
	Status int
	Target string
	Err    error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("dev server %s: %s: %v", e.Target, http.StatusText(e.Status), e.Err)
}

func (e *GatewayError) Unwrap() error   { return e.Err }
func (e *GatewayError) StatusCode() int { return e.Status }

var errIdle = errors.New("no progress within idle timeout")

// Proxy is a streaming reverse proxy for one Target.
type Proxy struct {
	target    Target
	transport *http.Transport
	client    *http.Client
	rewrite   func(string) string
	log       *slog.Logger
	metrics   *telemetry.Instruments
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithPathRewrite maps the dispatched path to the path requested upstream.
func WithPathRewrite(fn func(path string) string) Option {
	return func(p *Proxy) { p.rewrite = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.log = l }
}

// WithMetrics records forwarding outcomes on in.
func WithMetrics(in *telemetry.Instruments) Option {
	return func(p *Proxy) { p.metrics = in }
}

// New creates a proxy to target, filling in default timeouts.
func New(target Target, opts ...Option) *Proxy {
	if target.ConnectTimeout <= 0 {
		target.ConnectTimeout = DefaultTimeout
	}
	if target.IdleTimeout <= 0 {
		target.IdleTimeout = DefaultTimeout
	}
	p := &Proxy{
		target:  target,
		rewrite: func(s string) string { return s },
		log:     slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}

	dialer := &net.Dialer{Timeout: target.ConnectTimeout}
	p.transport = &http.Transport{
		Proxy:              nil,
		DialContext:        dialer.DialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
	}
	p.client = &http.Client{
		Transport: p.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// Target returns the configured development server with defaults applied.
func (p *Proxy) Target() Target { return p.target }

// Handler returns the forwarding route handler.
func (p *Proxy) Handler() dispatch.Handler { return dispatch.HandlerFunc(p.Forward) }

// Close releases idle upstream connections.
func (p *Proxy) Close() { p.transport.CloseIdleConnections() }

// Forward sends the exchange's request to the development server. A 404
// answer continues the chain; any other answer is streamed to the client.
func (p *Proxy) Forward(ex *dispatch.Exchange) (dispatch.Result, error) {
	r := ex.Request()
	path := p.rewrite(ex.Path())
	u := url.URL{Scheme: "http", Host: p.target.addr(), Path: path, RawQuery: r.URL.RawQuery}
	log := ex.Logger().With(slog.String("upstream", u.String()))

	ctx, cancel := context.WithCancelCause(ex.Context())
	defer cancel(nil)
	idle := time.AfterFunc(p.target.IdleTimeout, func() { cancel(errIdle) })
	defer idle.Stop()
	touch := func() { idle.Reset(p.target.IdleTimeout) }

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = &progressReader{r: r.Body, touch: touch}
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return dispatch.Terminated, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Connection")
	out.Close = true
	if body != nil {
		out.ContentLength = -1
	}

	log.DebugContext(ctx, "forwarding request to dev server", slog.String("path", ex.Path()))
	resp, err := p.client.Do(out)
	if err != nil {
		return p.failed(ctx, ex, log, err)
	}
	defer resp.Body.Close()
	touch()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		p.metrics.ProxyFallthrough(ctx)
		log.DebugContext(ctx, "resource not served by dev server")
		return dispatch.Continue, nil
	}

	w := ex.Writer()
	h := w.Header()
	for k, vv := range resp.Header {
		switch k {
		case "Content-Length", "Connection":
			continue
		}
		h[k] = append(h[k][:0:0], vv...)
	}
	w.WriteHeader(resp.StatusCode)
	p.metrics.ProxyForwarded(ctx, resp.StatusCode)
	log.DebugContext(ctx, "resource served by dev server", slog.Int("status", resp.StatusCode))

	if err := p.stream(w, resp.Body, touch); err != nil {
		if ex.Context().Err() != nil {
			log.DebugContext(ctx, "client went away during proxied response")
			return dispatch.Terminated, nil
		}
		if errors.Is(context.Cause(ctx), errIdle) {
			p.metrics.ProxyFailure(ctx, "idle")
			return dispatch.Terminated, &GatewayError{Status: http.StatusGatewayTimeout, Target: p.target.addr(), Err: errIdle}
		}
		return dispatch.Terminated, fmt.Errorf("stream dev server response: %w", err)
	}
	return dispatch.Terminated, nil
}

func (p *Proxy) failed(ctx context.Context, ex *dispatch.Exchange, log *slog.Logger, err error) (dispatch.Result, error) {
	if ex.Context().Err() != nil {
		log.DebugContext(ctx, "client went away before dev server answered")
		return dispatch.Terminated, nil
	}
	status := http.StatusBadGateway
	reason := "unreachable"
	var ne net.Error
	switch {
	case errors.Is(context.Cause(ctx), errIdle):
		status, reason, err = http.StatusGatewayTimeout, "idle", errIdle
	case errors.As(err, &ne) && ne.Timeout():
		status, reason = http.StatusGatewayTimeout, "timeout"
	}
	p.metrics.ProxyFailure(ctx, reason)
	return dispatch.Terminated, &GatewayError{Status: status, Target: p.target.addr(), Err: err}
}

// stream copies src to w, flushing after every read so that the client sees
// upstream progress immediately.
func (p *Proxy) stream(w http.ResponseWriter, src io.Reader, touch func()) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			touch()
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

type progressReader struct {
	r     io.Reader
	touch func()
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.touch()
	}
	return n, err
}
