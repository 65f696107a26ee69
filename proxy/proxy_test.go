package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/uiserve-go/dispatch"
)

func targetFor(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return Target{Host: u.Hostname(), Port: port}
}

// chain registers the proxy ahead of a fallback route that serves "static".
func chain(p *Proxy) *dispatch.Dispatcher {
	d := dispatch.New()
	d.Register(dispatch.Any(), p.Handler())
	d.Register(dispatch.Any(), dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		_, _ = io.WriteString(ex.Writer(), "static")
		return dispatch.Terminated, nil
	}))
	return d
}

func TestForwardStreamsIncrementally(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "first\n")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "second\n")
	}))
	defer upstream.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	front := httptest.NewServer(chain(New(targetFor(t, upstream))))
	defer front.Close()

	resp, err := http.Get(front.URL + "/app.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/javascript" {
		t.Fatalf("want upstream content type got %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil || line != "first\n" {
		t.Fatalf("want first chunk before upstream finished got %q %v", line, err)
	}
	close(release)
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "second\n" {
		t.Fatalf("want second got %q", rest)
	}
}

func TestNotFoundFallsThrough(t *testing.T) {
	for name, body := range map[string]string{"with body": "Cannot GET /app.js", "empty body": ""} {
		t.Run(name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, body)
			}))
			defer upstream.Close()

			rr := httptest.NewRecorder()
			chain(New(targetFor(t, upstream))).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/app.js", nil))
			if rr.Code != http.StatusOK || rr.Body.String() != "static" {
				t.Fatalf("want fallback static got %d %q", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestForwardsHeadersAndForcesClose(t *testing.T) {
	var gotClose bool
	var gotHeader, gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClose = r.Close
		gotHeader = r.Header.Get("X-Test")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	p := New(targetFor(t, upstream), WithPathRewrite(func(path string) string {
		return strings.Replace(path, "VAADIN/", "", 1)
	}))
	req := httptest.NewRequest(http.MethodGet, "/VAADIN/build/app.js?v=2", nil)
	req.Header.Set("X-Test", "abc")
	req.Header.Set("Connection", "keep-alive")
	rr := httptest.NewRecorder()
	chain(p).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("want 201 ok got %d %q", rr.Code, rr.Body.String())
	}
	if !gotClose {
		t.Fatalf("want upstream request with Connection: close")
	}
	if gotHeader != "abc" {
		t.Fatalf("want X-Test forwarded got %q", gotHeader)
	}
	if gotPath != "/build/app.js" || gotQuery != "v=2" {
		t.Fatalf("want rewritten path and query got %q %q", gotPath, gotQuery)
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("want upstream header copied")
	}
	if cl := rr.Header().Get("Content-Length"); cl != "" {
		t.Fatalf("want Content-Length dropped got %q", cl)
	}
}

func TestRequestBodyStreamed(t *testing.T) {
	var got string
	var te []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		te = r.TransferEncoding
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rr := httptest.NewRecorder()
	chain(New(targetFor(t, upstream))).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sockjs-node/info", strings.NewReader("payload")))
	if got != "payload" {
		t.Fatalf("want payload got %q", got)
	}
	if len(te) == 0 || te[0] != "chunked" {
		t.Fatalf("want chunked upstream request got %v", te)
	}
}

func TestUnreachableIsBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := New(Target{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second})
	ex := exchangeFor(t, p, "/app.js")
	if ex.code != http.StatusBadGateway {
		t.Fatalf("want 502 got %d", ex.code)
	}
	var ge *GatewayError
	if !errors.As(ex.err, &ge) || ge.Status != http.StatusBadGateway {
		t.Fatalf("want GatewayError 502 got %v", ex.err)
	}
}

func TestIdleTimeoutIsGatewayTimeout(t *testing.T) {
	stall := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(stall)

	target := targetFor(t, upstream)
	target.IdleTimeout = 50 * time.Millisecond
	ex := exchangeFor(t, New(target), "/app.js")
	if ex.code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 got %d (%v)", ex.code, ex.err)
	}
}

// spyWriter records whether anything was written downstream.
type spyWriter struct {
	*httptest.ResponseRecorder
	wrote atomic.Bool
}

func (w *spyWriter) WriteHeader(code int) {
	w.wrote.Store(true)
	w.ResponseRecorder.WriteHeader(code)
}

func (w *spyWriter) Write(b []byte) (int, error) {
	w.wrote.Store(true)
	return w.ResponseRecorder.Write(b)
}

func TestDownstreamDisconnectAbortsUpstream(t *testing.T) {
	arrived := make(chan struct{})
	aborted := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
		close(aborted)
	}))
	defer upstream.Close()

	p := New(targetFor(t, upstream))
	type outcome struct {
		res dispatch.Result
		err error
	}
	done := make(chan outcome, 1)
	d := dispatch.New()
	d.Register(dispatch.Any(), dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		res, err := p.Forward(ex)
		done <- outcome{res, err}
		return res, err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &spyWriter{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodGet, "/app.js", nil).WithContext(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		d.ServeHTTP(w, req)
	}()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never received the request")
	}
	cancel()

	select {
	case got := <-done:
		if got.err != nil || got.res != dispatch.Terminated {
			t.Fatalf("want Terminated without error got %v %v", got.res, got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Forward did not return after the client went away")
	}
	<-served
	if w.wrote.Load() {
		t.Fatalf("want nothing written downstream got %d %q", w.Code, w.Body.String())
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream request was not cancelled")
	}
}

func TestTargetDefaults(t *testing.T) {
	p := New(Target{Port: 8081})
	got := p.Target()
	if got.ConnectTimeout != DefaultTimeout || got.IdleTimeout != DefaultTimeout {
		t.Fatalf("want 120s defaults got %+v", got)
	}
	if got.addr() != "localhost:8081" {
		t.Fatalf("want localhost:8081 got %s", got.addr())
	}
}

type exchangeResult struct {
	code int
	err  error
}

// exchangeFor runs the proxy as the only route and captures the handler error.
func exchangeFor(t *testing.T, p *Proxy, path string) exchangeResult {
	t.Helper()
	var res exchangeResult
	d := dispatch.New()
	d.Register(dispatch.Any(), dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		r, err := p.Forward(ex)
		res.err = err
		return r, err
	}))
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	res.code = rr.Code
	return res
}
