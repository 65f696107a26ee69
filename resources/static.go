package resources

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	pathpkg "path"
	"strings"

	"github.com/ggoodman/uiserve-go/dispatch"
)

// Static returns a route handler serving base + (request path - prefix)
// through the resolver. Paths the resolver cannot find continue the chain.
func Static(r *Resolver, prefix, base string) dispatch.Handler {
	return dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		req := ex.Request()
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return dispatch.Continue, nil
		}
		rest, ok := strings.CutPrefix(ex.Path(), prefix)
		if !ok {
			return dispatch.Continue, nil
		}
		if hasDotSegment(rest) {
			return dispatch.Continue, nil
		}
		name := pathpkg.Join(base, rest)
		if root := pathpkg.Clean(base); root != "." && root != "/" && name != root && !strings.HasPrefix(name, root+"/") {
			return dispatch.Continue, nil
		}

		res, err := r.Resolve(ex.Context(), name)
		if err != nil {
			return dispatch.Terminated, err
		}
		if res == nil {
			return dispatch.Continue, nil
		}
		return serve(ex, res)
	})
}

func serve(ex *dispatch.Exchange, res *Resource) (dispatch.Result, error) {
	f, err := res.Open()
	if err != nil {
		return dispatch.Terminated, &ResolveError{Path: res.Path, Name: res.Name, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return dispatch.Terminated, &ResolveError{Path: res.Path, Name: res.Name, Err: err}
	}
	if info.IsDir() {
		return dispatch.Continue, nil
	}

	content, ok := f.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(f)
		if err != nil {
			return dispatch.Terminated, fmt.Errorf("read %s: %w", res.Name, err)
		}
		content = bytes.NewReader(b)
	}
	http.ServeContent(ex.Writer(), ex.Request(), info.Name(), info.ModTime(), content)
	return dispatch.Terminated, nil
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return true
		}
	}
	return false
}
