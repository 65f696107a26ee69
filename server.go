package uiserve

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/ggoodman/uiserve-go/dispatch"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
	"github.com/ggoodman/uiserve-go/proxy"
	"github.com/ggoodman/uiserve-go/resources"
	"github.com/ggoodman/uiserve-go/sessions"
)

const (
	DefaultPushPath = "/VAADIN/push"

	pushRequestParam = "v-r"
	pushRequestValue = "push"
)

// DefaultDevProxyExtensions are the build-asset extensions forwarded to the
// development server.
var DefaultDevProxyExtensions = []string{".js"}

var (
	_ http.Handler = (*Server)(nil)
)

var ErrNoUI = errors.New("uiserve: a UI handler is required")

// Server is the HTTP entry point. It strips the mount point and dispatches
// the request through the standard route table:
//
//  1. session gate (skipped for static asset prefixes)
//  2. legacy push script rewrite
//  3. development server proxy for build assets
//  4. static mounts (VAADIN/, webroot/, webjars/, frontend/, frontend-es6/)
//  5. push transport
//  6. catch-all META-INF/resources
//  7. routes added with WithRoutes
//  8. the UI handler
type Server struct {
	mount string
	d     *dispatch.Dispatcher
	log   *slog.Logger
}

type config struct {
	mount      string
	devProxy   *proxy.Proxy
	extensions []string
	resolver   *resources.Resolver
	sessions   *sessions.Manager
	ui         http.Handler
	pushPath   string
	push       http.Handler
	routes     func(*dispatch.Dispatcher)
	log        *slog.Logger
	metrics    *telemetry.Instruments
}

// Option configures a Server.
type Option func(*config)

// WithMountPoint serves the application below path, e.g. "/app".
func WithMountPoint(path string) Option {
	return func(c *config) { c.mount = strings.TrimSuffix(path, "/") }
}

// WithDevProxy forwards build assets to a development server.
func WithDevProxy(p *proxy.Proxy) Option {
	return func(c *config) { c.devProxy = p }
}

// WithDevProxyExtensions replaces the extensions routed to the development
// server. Defaults to DefaultDevProxyExtensions.
func WithDevProxyExtensions(exts ...string) Option {
	return func(c *config) { c.extensions = exts }
}

// WithResolver serves static resources through r.
func WithResolver(r *resources.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithSessions installs the session gate of m.
func WithSessions(m *sessions.Manager) Option {
	return func(c *config) { c.sessions = m }
}

// WithUI sets the terminal handler rendering the application. Required.
func WithUI(h http.Handler) Option {
	return func(c *config) { c.ui = h }
}

// WithPush serves the push transport h on path (DefaultPushPath when empty)
// for requests carrying v-r=push.
func WithPush(path string, h http.Handler) Option {
	return func(c *config) {
		if path == "" {
			path = DefaultPushPath
		}
		c.pushPath = strings.TrimSuffix(path, "/")
		c.push = h
	}
}

// WithRoutes registers additional routes ahead of the UI handler.
func WithRoutes(fn func(d *dispatch.Dispatcher)) Option {
	return func(c *config) { c.routes = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics records dispatch outcomes on in.
func WithMetrics(in *telemetry.Instruments) Option {
	return func(c *config) { c.metrics = in }
}

// New builds the server and its route table.
func New(opts ...Option) (*Server, error) {
	c := &config{
		extensions: DefaultDevProxyExtensions,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	if c.ui == nil {
		return nil, ErrNoUI
	}

	d := dispatch.New(dispatch.WithLogger(c.log), dispatch.WithMetrics(c.metrics))
	registerRoutes(d, c)
	c.log.Debug("routes initialized", slog.Int("routes", d.Len()), slog.String("mount", c.mount))
	return &Server{mount: c.mount, d: d, log: c.log}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if clean := cleanPath(r.URL.Path); clean != r.URL.Path {
		redirect(w, r, clean)
		return
	}
	if s.mount == "" {
		s.d.ServeHTTP(w, r)
		return
	}

	path := r.URL.Path
	if path == s.mount {
		redirect(w, r, s.mount+"/")
		return
	}
	rest, ok := strings.CutPrefix(path, s.mount)
	if !ok || !strings.HasPrefix(rest, "/") {
		dispatch.WriteError(w, r, http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}

	r2 := new(http.Request)
	*r2 = *r
	r2.URL = new(url.URL)
	*r2.URL = *r.URL
	r2.URL.Path = rest
	r2.URL.RawPath = ""
	s.d.ServeHTTP(w, r2)
}

// cleanPath returns the canonical form of p the way http.ServeMux computes it:
// rooted, without dot segments or repeated slashes, keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusFound)
}

// DevServerPath maps a dispatched path to the development server's layout,
// which serves build output without the VAADIN/ segment.
func DevServerPath(path string) string {
	return strings.ReplaceAll(path, "VAADIN/", "")
}
