// Package resources resolves logical request paths to files across an ordered
// list of resource roots.
//
// A path is looked up in three tiers, first hit wins:
//
//  1. the literal path in each root;
//  2. the same path under META-INF/resources/ in each root;
//  3. the library convention, mapping <library>/<rest> (optionally prefixed
//     with webjars/ or .../bower_components/) to
//     META-INF/resources/webjars/<library>[/<version>]/<rest> for libraries
//     registered with WithLibrary.
//
// When a Theme is active its translated path is tried through all tiers
// before the untranslated path.
//
// Absence is not an error: Resolve returns a nil Resource. Any other failure
// to inspect a root yields a *ResolveError.
package resources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	pathpkg "path"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
	"github.com/ggoodman/uiserve-go/internal/workpool"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	metaInfPrefix = "META-INF/resources/"
	webjarsPrefix = "META-INF/resources/webjars/"

	DefaultCacheSize = 4096
)

// Tier identifies which lookup rule located a resource.
type Tier int

const (
	TierLiteral Tier = iota + 1
	TierMetaInf
	TierLibrary
)

func (t Tier) String() string {
	switch t {
	case TierLiteral:
		return "literal"
	case TierMetaInf:
		return "meta-inf"
	case TierLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// Theme maps a path to its themed variant. Returning the input unchanged
// means the theme has no variant for it.
type Theme interface {
	TranslateURL(path string) string
}

// ThemeFunc adapts a function to Theme.
type ThemeFunc func(path string) string

func (f ThemeFunc) TranslateURL(path string) string { return f(path) }

// Resource is a located file.
type Resource struct {
	// Path is the logical path that matched, after theme translation.
	Path string
	// Name is the path probed within the root.
	Name string
	Tier Tier

	root fs.FS
	info fs.FileInfo
}

func (r *Resource) Open() (fs.File, error) { return r.root.Open(r.Name) }

// Stat returns the file info observed during resolution.
func (r *Resource) Stat() fs.FileInfo { return r.info }

// ResolveError reports a failure to inspect a resource root other than the
// file not existing.
type ResolveError struct {
	Path string
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s (probing %s): %v", e.Path, e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error   { return e.Err }
func (e *ResolveError) StatusCode() int { return http.StatusInternalServerError }

type dirFS struct {
	fs.FS
	dir string
}

// Dir returns a root backed by an OS directory. Dir roots are watched for
// changes when the existence cache is enabled.
func Dir(path string) fs.FS {
	return dirFS{FS: os.DirFS(path), dir: path}
}

type cacheEntry struct {
	info fs.FileInfo
}

// Resolver locates resources. It is safe for concurrent use.
type Resolver struct {
	roots     []fs.FS
	libraries map[string]string
	theme     Theme

	pool     *workpool.Pool
	ownPool  bool
	cacheLen int
	cache    *lru.Cache[string, cacheEntry]
	watcher  *fsnotify.Watcher
	done     chan struct{}

	log     *slog.Logger
	metrics *telemetry.Instruments
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLibrary registers a library for the library convention tier. version
// may be empty for unversioned layouts.
func WithLibrary(name, version string) Option {
	return func(r *Resolver) { r.libraries[name] = version }
}

// WithDefaultTheme sets the theme used when a lookup does not name one.
func WithDefaultTheme(t Theme) Option {
	return func(r *Resolver) { r.theme = t }
}

// WithPool runs existence checks on p. The resolver does not close it.
func WithPool(p *workpool.Pool) Option {
	return func(r *Resolver) { r.pool = p }
}

// WithCache enables an existence cache of the given size. Entries for Dir
// roots are invalidated by filesystem events. A non-positive size disables it.
func WithCache(size int) Option {
	return func(r *Resolver) { r.cacheLen = size }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics records lookup outcomes on in.
func WithMetrics(in *telemetry.Instruments) Option {
	return func(r *Resolver) { r.metrics = in }
}

// New creates a resolver over roots, searched in order.
func New(roots []fs.FS, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		roots:     roots,
		libraries: make(map[string]string),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	if r.pool == nil {
		r.pool = workpool.New()
		r.ownPool = true
	}
	if r.cacheLen > 0 {
		c, err := lru.New[string, cacheEntry](r.cacheLen)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource cache: %w", err)
		}
		r.cache = c
		if err := r.watch(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Close stops watching roots and releases the internal worker pool.
func (r *Resolver) Close() error {
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
		<-r.done
	}
	if r.ownPool {
		r.pool.Close()
	}
	return err
}

// LookupOption configures a single Resolve call.
type LookupOption func(*lookup)

type lookup struct {
	theme Theme
}

// WithTheme resolves with t instead of the default theme. A nil t disables
// theming for the call.
func WithTheme(t Theme) LookupOption {
	return func(l *lookup) { l.theme = t }
}

// Resolve locates logicalPath. It returns nil, nil when no tier has it.
func (r *Resolver) Resolve(ctx context.Context, logicalPath string, opts ...LookupOption) (*Resource, error) {
	l := lookup{theme: r.theme}
	for _, o := range opts {
		o(&l)
	}
	p, ok := normalize(logicalPath)
	if !ok {
		return nil, nil
	}

	if l.theme != nil {
		if tp, ok := normalize(l.theme.TranslateURL(p)); ok && tp != p {
			res, err := r.tiers(ctx, tp)
			if res != nil || err != nil {
				return res, err
			}
		}
	}
	res, err := r.tiers(ctx, p)
	if res == nil && err == nil {
		r.metrics.ResourceLookup(ctx, "miss")
	}
	return res, err
}

// ThemedPath returns the theme's variant of logicalPath when that variant
// exists, and "" otherwise.
func (r *Resolver) ThemedPath(ctx context.Context, logicalPath string, theme Theme) (string, error) {
	if theme == nil {
		return "", nil
	}
	p, ok := normalize(logicalPath)
	if !ok {
		return "", nil
	}
	tp, ok := normalize(theme.TranslateURL(p))
	if !ok || tp == p {
		return "", nil
	}
	res, err := r.tiers(ctx, tp)
	if err != nil || res == nil {
		return "", err
	}
	if strings.HasPrefix(logicalPath, "/") {
		return "/" + tp, nil
	}
	return tp, nil
}

func (r *Resolver) tiers(ctx context.Context, p string) (*Resource, error) {
	if res, err := r.probe(ctx, p, p, TierLiteral); res != nil || err != nil {
		return res, err
	}
	if !strings.HasPrefix(p, metaInfPrefix) {
		if res, err := r.probe(ctx, p, metaInfPrefix+p, TierMetaInf); res != nil || err != nil {
			return res, err
		}
	}
	if name := r.libraryName(p); name != "" {
		return r.probe(ctx, p, name, TierLibrary)
	}
	return nil, nil
}

// libraryName maps p to its location under the webjars layout, or "" when p
// does not name a registered library.
func (r *Resolver) libraryName(p string) string {
	if i := strings.LastIndex(p, "bower_components/"); i >= 0 {
		p = p[i+len("bower_components/"):]
	} else {
		p = strings.TrimPrefix(p, "webjars/")
	}
	lib, rest, ok := strings.Cut(p, "/")
	if !ok || rest == "" {
		return ""
	}
	version, ok := r.libraries[lib]
	if !ok {
		return ""
	}
	if version == "" {
		return webjarsPrefix + lib + "/" + rest
	}
	return webjarsPrefix + lib + "/" + version + "/" + rest
}

func (r *Resolver) probe(ctx context.Context, logical, name string, tier Tier) (*Resource, error) {
	for i, root := range r.roots {
		info, err := r.stat(ctx, i, root, name)
		if err != nil {
			return nil, &ResolveError{Path: logical, Name: name, Err: err}
		}
		if info == nil {
			continue
		}
		r.metrics.ResourceLookup(ctx, tier.String())
		return &Resource{Path: logical, Name: name, Tier: tier, root: root, info: info}, nil
	}
	return nil, nil
}

// stat reports the file info of a regular file, nil when it does not exist.
// The blocking call runs on the worker pool.
func (r *Resolver) stat(ctx context.Context, idx int, root fs.FS, name string) (fs.FileInfo, error) {
	key := strconv.Itoa(idx) + ":" + name
	if r.cache != nil {
		if e, ok := r.cache.Get(key); ok {
			return e.info, nil
		}
	}
	info, err := workpool.Do(ctx, r.pool, func() (fs.FileInfo, error) {
		fi, err := fs.Stat(root, name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		if fi.IsDir() {
			return nil, nil
		}
		return fi, nil
	})
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(key, cacheEntry{info: info})
	}
	return info, nil
}

func normalize(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", false
	}
	p = pathpkg.Clean(p)
	if !fs.ValidPath(p) || p == "." {
		return "", false
	}
	return p, true
}
