package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func terminate(body string) Handler {
	return HandlerFunc(func(ex *Exchange) (Result, error) {
		_, _ = io.WriteString(ex.Writer(), body)
		return Terminated, nil
	})
}

func record(calls *[]string, name string, res Result) Handler {
	return HandlerFunc(func(ex *Exchange) (Result, error) {
		*calls = append(*calls, name)
		return res, nil
	})
}

func serve(d *Dispatcher, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)
	return rr
}

func TestRoutesRunInOrderUntilTerminated(t *testing.T) {
	var calls []string
	d := New()
	d.Register(Any(), record(&calls, "a", Continue))
	d.Register(Prefix("/other/"), record(&calls, "skipped", Terminated))
	d.Register(Prefix("/x/"), record(&calls, "b", Continue))
	d.Register(Any(), record(&calls, "c", Terminated))
	d.Register(Any(), record(&calls, "d", Terminated))

	serve(d, http.MethodGet, "/x/y", nil)

	if got := strings.Join(calls, ","); got != "a,b,c" {
		t.Fatalf("want a,b,c got %s", got)
	}
}

func TestMissIs404(t *testing.T) {
	var calls []string
	d := New()
	d.Register(Any(), record(&calls, "a", Continue))
	d.Register(Exact("/only"), terminate("only"))

	rr := serve(d, http.MethodGet, "/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404 got %d", rr.Code)
	}
	if len(calls) != 1 {
		t.Fatalf("want continuing route invoked once got %v", calls)
	}
}

func TestGuardSkipsRoute(t *testing.T) {
	d := New()
	d.Register(Exact("/push"), terminate("push"), WithGuard(func(r *http.Request) bool {
		return r.URL.Query().Get("v-r") == "push"
	}))
	d.Register(Any(), terminate("ui"))

	if body := serve(d, http.MethodGet, "/push?v-r=push", nil).Body.String(); body != "push" {
		t.Fatalf("want push got %q", body)
	}
	if body := serve(d, http.MethodGet, "/push", nil).Body.String(); body != "ui" {
		t.Fatalf("want ui got %q", body)
	}
}

func TestRegexCaptures(t *testing.T) {
	d := New()
	d.Register(Regex(`/VAADIN/static/push/vaadinPush(?P<min>-min)?\.js(?P<gz>\.gz)?`), HandlerFunc(func(ex *Exchange) (Result, error) {
		_, _ = io.WriteString(ex.Writer(), ex.Param("min")+"|"+ex.Param("gz"))
		return Terminated, nil
	}))

	cases := map[string]string{
		"/VAADIN/static/push/vaadinPush.js":        "|",
		"/VAADIN/static/push/vaadinPush-min.js":    "-min|",
		"/VAADIN/static/push/vaadinPush-min.js.gz": "-min|.gz",
	}
	for path, want := range cases {
		if got := serve(d, http.MethodGet, path, nil).Body.String(); got != want {
			t.Fatalf("%s: want %q got %q", path, want, got)
		}
	}
	if rr := serve(d, http.MethodGet, "/VAADIN/static/push/vaadinPush.jsx", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("want anchored regex to miss got %d", rr.Code)
	}
}

func TestPrefixRest(t *testing.T) {
	d := New()
	d.Register(Prefix("/webjars/"), HandlerFunc(func(ex *Exchange) (Result, error) {
		_, _ = io.WriteString(ex.Writer(), "["+ex.Param(RestParam)+"]")
		return Terminated, nil
	}))
	if got := serve(d, http.MethodGet, "/webjars/a/b.js", nil).Body.String(); got != "[a/b.js]" {
		t.Fatalf("want [a/b.js] got %s", got)
	}
	if got := serve(d, http.MethodGet, "/webjars", nil).Body.String(); got != "[]" {
		t.Fatalf("want [] got %s", got)
	}
	if rr := serve(d, http.MethodGet, "/webjarsx", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("want 404 got %d", rr.Code)
	}
}

func TestHandlerErrorStatus(t *testing.T) {
	d := New()
	d.Register(Exact("/teapot"), HandlerFunc(func(ex *Exchange) (Result, error) {
		return Terminated, Error(http.StatusTeapot, errors.New("short and stout"))
	}))
	d.Register(Exact("/boom"), HandlerFunc(func(ex *Exchange) (Result, error) {
		return Terminated, errors.New("secret detail")
	}))
	d.Register(Any(), terminate("unreachable"))

	rr := serve(d, http.MethodGet, "/teapot", nil)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("want 418 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "short and stout") {
		t.Fatalf("want message in body got %q", rr.Body.String())
	}

	rr = serve(d, http.MethodGet, "/boom", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Fatalf("5xx body leaked error detail: %q", rr.Body.String())
	}
}

func TestPanicRecovered(t *testing.T) {
	var after []string
	d := New()
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) { panic("kaboom") }))
	d.Register(Any(), record(&after, "next", Terminated))

	rr := serve(d, http.MethodGet, "/", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 got %d", rr.Code)
	}
	if len(after) != 0 {
		t.Fatalf("want chain aborted got %v", after)
	}
}

func TestErrorBodyNegotiation(t *testing.T) {
	d := New()

	rr := serve(d, http.MethodGet, "/missing", map[string]string{"Accept": "application/json"})
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want application/json got %q", ct)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != http.StatusNotFound {
		t.Fatalf("want code 404 got %d", body.Error.Code)
	}

	rr = serve(d, http.MethodGet, "/missing", nil)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("want text/plain got %q", ct)
	}
}

func TestContinueAfterCommitTerminates(t *testing.T) {
	var after []string
	d := New()
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) {
		ex.Writer().WriteHeader(http.StatusAccepted)
		return Continue, nil
	}))
	d.Register(Any(), record(&after, "next", Terminated))

	rr := serve(d, http.MethodGet, "/", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("want 202 got %d", rr.Code)
	}
	if len(after) != 0 {
		t.Fatalf("want chain stopped got %v", after)
	}
}

func TestFailureAfterCommitKeepsResponse(t *testing.T) {
	d := New()
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) {
		_, _ = io.WriteString(ex.Writer(), "partial")
		return Terminated, errors.New("late failure")
	}))
	rr := serve(d, http.MethodGet, "/", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "partial" {
		t.Fatalf("want untouched 200 partial got %d %q", rr.Code, rr.Body.String())
	}
}

func TestReroute(t *testing.T) {
	d := New()
	d.Register(Regex(`/frontend/bower_components/(?P<lib>.*)`), HandlerFunc(func(ex *Exchange) (Result, error) {
		return ex.Reroute("/webjars/" + ex.Param("lib"))
	}))
	d.Register(Prefix("/webjars/"), HandlerFunc(func(ex *Exchange) (Result, error) {
		_, _ = io.WriteString(ex.Writer(), ex.Path()+"?"+ex.Request().URL.RawQuery)
		return Terminated, nil
	}))

	got := serve(d, http.MethodGet, "/frontend/bower_components/polymer/polymer.html?v=1", nil).Body.String()
	if got != "/webjars/polymer/polymer.html?v=1" {
		t.Fatalf("want rerouted path with query got %q", got)
	}
}

func TestDotSegmentsNeverReachRoutes(t *testing.T) {
	var calls []string
	d := New()
	d.Register(Exact("/escape"), HandlerFunc(func(ex *Exchange) (Result, error) {
		return ex.Reroute("/static/../secret")
	}))
	d.Register(Any(), record(&calls, "any", Terminated))

	for _, target := range []string{"/static/../secret", "/static/./app.js", "/..", "/escape"} {
		calls = nil
		rr := serve(d, http.MethodGet, target, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: want 404 got %d", target, rr.Code)
		}
		if len(calls) != 0 {
			t.Fatalf("%s: want no route invoked got %v", target, calls)
		}
	}

	if rr := serve(d, http.MethodGet, "/static/..app.js", nil); rr.Code != http.StatusOK || len(calls) != 1 {
		t.Fatalf("want dots inside a segment accepted got %d %v", rr.Code, calls)
	}
}

func TestRerouteLoopBounded(t *testing.T) {
	hops := 0
	d := New()
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) {
		hops++
		return ex.Reroute("/again")
	}))
	rr := serve(d, http.MethodGet, "/", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 got %d", rr.Code)
	}
	if hops != MaxReroutes+1 {
		t.Fatalf("want %d hops got %d", MaxReroutes+1, hops)
	}
}

func TestRegisterAfterServePanics(t *testing.T) {
	d := New()
	d.Register(Any(), terminate("ok"))
	serve(d, http.MethodGet, "/", nil)

	defer func() {
		if r := recover(); r != ErrFrozen {
			t.Fatalf("want ErrFrozen panic got %v", r)
		}
	}()
	d.Register(Any(), terminate("late"))
}

func TestWrapTerminates(t *testing.T) {
	var after []string
	d := New()
	d.Register(Any(), Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	d.Register(Any(), record(&after, "next", Terminated))

	if rr := serve(d, http.MethodGet, "/", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("want 204 got %d", rr.Code)
	}
	if len(after) != 0 {
		t.Fatalf("want wrapped handler to terminate got %v", after)
	}
}

func TestSetRequestVisibleToLaterRoutes(t *testing.T) {
	type key struct{}
	d := New()
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) {
		ex.SetRequest(ex.Request().WithContext(context.WithValue(ex.Context(), key{}, "v")))
		return Continue, nil
	}))
	d.Register(Any(), HandlerFunc(func(ex *Exchange) (Result, error) {
		v, _ := ex.Context().Value(key{}).(string)
		_, _ = io.WriteString(ex.Writer(), v)
		return Terminated, nil
	}))
	if got := serve(d, http.MethodGet, "/", nil).Body.String(); got != "v" {
		t.Fatalf("want v got %q", got)
	}
}
