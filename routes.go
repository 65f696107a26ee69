package uiserve

import (
	"net/http"
	"strings"

	"github.com/ggoodman/uiserve-go/dispatch"
	"github.com/ggoodman/uiserve-go/resources"
)

// staticPrefixes never carry session state.
var staticPrefixes = []string{"/frontend/", "/frontend-es6/", "/webjars/", "/webroot/"}

func needsSession(r *http.Request) bool {
	p := r.URL.Path
	if strings.HasPrefix(p, "/VAADIN/") {
		return strings.HasPrefix(p, "/VAADIN/dynamic/")
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	return true
}

func notDynamic(r *http.Request) bool {
	return !strings.HasPrefix(r.URL.Path, "/VAADIN/dynamic/")
}

func hasExtension(exts []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		p := r.URL.Path
		for _, ext := range exts {
			if len(p) > len(ext)+1 && strings.HasSuffix(p, ext) {
				return true
			}
		}
		return false
	}
}

func isPush(r *http.Request) bool {
	return r.URL.Query().Get(pushRequestParam) == pushRequestValue
}

func registerRoutes(d *dispatch.Dispatcher, c *config) {
	if c.sessions != nil {
		d.Register(dispatch.Any(), c.sessions.Gate(), dispatch.WithGuard(needsSession), dispatch.WithName("session-gate"))
	}

	d.Register(dispatch.Regex(`/VAADIN/static/push/vaadinPush(?P<min>-min)?\.js(?P<compressed>\.gz)?`),
		dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
			return ex.Reroute("/VAADIN/static/push/vaadinPushSockJS" + ex.Param("min") + ".js" + ex.Param("compressed"))
		}), dispatch.WithName("push-script-rewrite"))

	if c.devProxy != nil {
		d.Register(dispatch.Any(), c.devProxy.Handler(), dispatch.WithGuard(hasExtension(c.extensions)), dispatch.WithName("dev-proxy"))
	}

	if res := c.resolver; res != nil {
		static := func(prefix, base string, opts ...dispatch.RouteOption) {
			d.Register(dispatch.Prefix(prefix), resources.Static(res, prefix, base), opts...)
		}
		// META-INF/resources/ variants are covered by the resolver's second tier.
		static("/VAADIN/static/client/", "VAADIN/static/client")
		static("/VAADIN/build/", "META-INF/VAADIN/build")
		static("/VAADIN/static/", "VAADIN/static")
		static("/VAADIN/", "VAADIN", dispatch.WithGuard(notDynamic))
		static("/webroot/", "webroot")
		static("/webjars/", "webroot/webjars")
		static("/webjars/", "webjars")

		d.Register(dispatch.Regex(`/frontend/bower_components/(?P<webjar>.*)`),
			dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
				return ex.Reroute("/webjars/" + ex.Param("webjar"))
			}), dispatch.WithName("bower-to-webjars"))

		static("/frontend/", "frontend")
		static("/frontend/", "webroot/frontend")
		static("/frontend-es6/", "frontend-es6")
	}

	if c.push != nil {
		pattern := dispatch.Prefix(c.pushPath + "/")
		if c.sessions != nil {
			d.Register(pattern, c.sessions.Attach(), dispatch.WithGuard(isPush), dispatch.WithName("push-session"))
		}
		d.Register(pattern, dispatch.Wrap(c.push), dispatch.WithGuard(isPush), dispatch.WithName("push"))
	}

	if c.resolver != nil {
		d.Register(dispatch.Prefix("/"), resources.Static(c.resolver, "/", "META-INF/resources"), dispatch.WithName("static"))
	}

	if c.routes != nil {
		c.routes(d)
	}

	d.Register(dispatch.Any(), dispatch.Wrap(c.ui), dispatch.WithName("ui"))
}
