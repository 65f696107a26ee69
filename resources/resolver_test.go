package resources

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ggoodman/uiserve-go/dispatch"
	"github.com/ggoodman/uiserve-go/internal/workpool"
)

func file(s string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(s), ModTime: time.Unix(1700000000, 0)}
}

func newResolver(t *testing.T, roots []fs.FS, opts ...Option) *Resolver {
	t.Helper()
	r, err := New(roots, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func read(t *testing.T, res *Resource) string {
	t.Helper()
	f, err := res.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	b, _ := io.ReadAll(f)
	return string(b)
}

func TestTierOrder(t *testing.T) {
	roots := []fs.FS{
		fstest.MapFS{
			"index.html":                              file("literal"),
			"META-INF/resources/frontend/a.js":        file("meta-inf"),
			"META-INF/resources/webjars/lib/1.0/a.js": file("webjar"),
			"META-INF/resources/webjars/lib/1.0/b.js": file("webjar-b"),
		},
	}
	r := newResolver(t, roots, WithLibrary("lib", "1.0"))
	ctx := context.Background()

	cases := []struct {
		path string
		tier Tier
		body string
	}{
		{"/index.html", TierLiteral, "literal"},
		{"frontend/a.js", TierMetaInf, "meta-inf"},
		{"webjars/lib/b.js", TierLibrary, "webjar-b"},
		{"frontend/bower_components/lib/b.js", TierLibrary, "webjar-b"},
	}
	for _, c := range cases {
		res, err := r.Resolve(ctx, c.path)
		if err != nil || res == nil {
			t.Fatalf("%s: want resource got %v %v", c.path, res, err)
		}
		if res.Tier != c.tier {
			t.Fatalf("%s: want tier %v got %v", c.path, c.tier, res.Tier)
		}
		if got := read(t, res); got != c.body {
			t.Fatalf("%s: want %q got %q", c.path, c.body, got)
		}
	}
}

func TestMetaInfBeatsLibrary(t *testing.T) {
	roots := []fs.FS{fstest.MapFS{
		"META-INF/resources/lib/a.js":             file("tier2"),
		"META-INF/resources/webjars/lib/1.0/a.js": file("tier3"),
	}}
	r := newResolver(t, roots, WithLibrary("lib", "1.0"))
	res, err := r.Resolve(context.Background(), "lib/a.js")
	if err != nil || res == nil {
		t.Fatalf("resolve: %v %v", res, err)
	}
	if res.Tier != TierMetaInf || read(t, res) != "tier2" {
		t.Fatalf("want tier2 got %v %q", res.Tier, read(t, res))
	}
}

func TestRootsSearchedInOrder(t *testing.T) {
	roots := []fs.FS{
		fstest.MapFS{"a.js": file("first")},
		fstest.MapFS{"a.js": file("second"), "b.js": file("second-b")},
	}
	r := newResolver(t, roots)
	res, _ := r.Resolve(context.Background(), "a.js")
	if read(t, res) != "first" {
		t.Fatalf("want first root to win")
	}
	res, _ = r.Resolve(context.Background(), "b.js")
	if res == nil || read(t, res) != "second-b" {
		t.Fatalf("want second root consulted")
	}
}

func TestAbsenceIsNil(t *testing.T) {
	r := newResolver(t, []fs.FS{fstest.MapFS{"dir/a.js": file("a")}}, WithLibrary("lib", ""))
	for _, p := range []string{"missing.js", "dir", "../etc/passwd", "", "webjars/lib/x.js", "webjars/unknown/x.js"} {
		res, err := r.Resolve(context.Background(), p)
		if err != nil || res != nil {
			t.Fatalf("%q: want nil, nil got %v %v", p, res, err)
		}
	}
}

type faultyFS struct{}

func (faultyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: errors.New("disk on fire")}
}

func TestFaultIsResolveError(t *testing.T) {
	r := newResolver(t, []fs.FS{faultyFS{}})
	res, err := r.Resolve(context.Background(), "a.js")
	if res != nil {
		t.Fatalf("want nil resource got %v", res)
	}
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolveError got %v", err)
	}
	if dispatch.StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("want 500 status got %d", dispatch.StatusOf(err))
	}
}

func TestThemedResolution(t *testing.T) {
	roots := []fs.FS{fstest.MapFS{
		"frontend/src/view.html":            file("base"),
		"frontend/theme/lumo/src/view.html": file("themed"),
		"frontend/src/other.html":           file("other"),
	}}
	lumo := ThemeFunc(func(p string) string {
		return strings.Replace(p, "frontend/src/", "frontend/theme/lumo/src/", 1)
	})
	r := newResolver(t, roots)
	ctx := context.Background()

	res, _ := r.Resolve(ctx, "frontend/src/view.html", WithTheme(lumo))
	if res == nil || read(t, res) != "themed" {
		t.Fatalf("want themed variant")
	}
	if res.Path != "frontend/theme/lumo/src/view.html" {
		t.Fatalf("want translated logical path got %s", res.Path)
	}
	res, _ = r.Resolve(ctx, "frontend/src/other.html", WithTheme(lumo))
	if res == nil || read(t, res) != "other" {
		t.Fatalf("want untranslated fallback")
	}
	res, _ = r.Resolve(ctx, "frontend/src/view.html")
	if read(t, res) != "base" {
		t.Fatalf("want base without theme")
	}

	themed := newResolver(t, roots, WithDefaultTheme(lumo))
	res, _ = themed.Resolve(ctx, "frontend/src/view.html")
	if read(t, res) != "themed" {
		t.Fatalf("want default theme applied")
	}
	res, _ = themed.Resolve(ctx, "frontend/src/view.html", WithTheme(nil))
	if read(t, res) != "base" {
		t.Fatalf("want theme disabled per call")
	}

	got, err := r.ThemedPath(ctx, "/frontend/src/view.html", lumo)
	if err != nil || got != "/frontend/theme/lumo/src/view.html" {
		t.Fatalf("want themed path got %q %v", got, err)
	}
	got, _ = r.ThemedPath(ctx, "frontend/src/other.html", lumo)
	if got != "" {
		t.Fatalf("want empty themed path got %q", got)
	}
}

func TestResolveRunsOnPool(t *testing.T) {
	p := workpool.New(workpool.WithWorkers(1))
	defer p.Close()
	block := make(chan struct{})
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer close(block)

	r := newResolver(t, []fs.FS{fstest.MapFS{"a.js": file("a")}}, WithPool(p))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Resolve(ctx, "a.js"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded while pool busy got %v", err)
	}
}

func TestCacheInvalidatedByFilesystemEvents(t *testing.T) {
	dir := t.TempDir()
	r := newResolver(t, []fs.FS{Dir(dir)}, WithCache(16))
	ctx := context.Background()

	if res, _ := r.Resolve(ctx, "late.js"); res != nil {
		t.Fatalf("want absent before write")
	}
	if err := os.WriteFile(filepath.Join(dir, "late.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := r.Resolve(ctx, "late.js")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache not invalidated after file creation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStaticHandler(t *testing.T) {
	roots := []fs.FS{fstest.MapFS{
		"webroot/frontend/app.css": file("body{}"),
	}}
	r := newResolver(t, roots)

	d := dispatch.New()
	d.Register(dispatch.Prefix("/frontend/"), Static(r, "/frontend/", "webroot/frontend"))
	d.Register(dispatch.Any(), dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		_, _ = io.WriteString(ex.Writer(), "ui")
		return dispatch.Terminated, nil
	}))

	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frontend/app.css", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "body{}" {
		t.Fatalf("want served css got %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Fatalf("want text/css got %q", ct)
	}

	rr = httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frontend/missing.css", nil))
	if rr.Body.String() != "ui" {
		t.Fatalf("want fallthrough to ui got %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/frontend/app.css", nil))
	if rr.Body.String() != "ui" {
		t.Fatalf("want non-GET to fall through got %q", rr.Body.String())
	}
}
