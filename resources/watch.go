package resources

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watch starts invalidating the existence cache on changes below Dir roots.
// Without Dir roots nothing is watched.
func (r *Resolver) watch() error {
	var dirs []string
	for _, root := range r.roots {
		if d, ok := root.(dirFS); ok {
			dirs = append(dirs, d.dir)
		}
	}
	if len(dirs) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("fsnotify unavailable, resource cache will not be invalidated", slog.String("err", err.Error()))
		r.cache = nil
		return nil
	}
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.Add(p)
		})
		if err != nil {
			r.log.Debug("fsnotify add dirs failed", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}

	r.watcher = w
	r.done = make(chan struct{})
	go r.runWatcher()
	return nil
}

func (r *Resolver) runWatcher() {
	defer close(r.done)
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = r.watcher.Add(ev.Name)
				}
			}
			// Writes keep existence intact; the static handler stats the
			// opened file itself.
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.cache.Purge()
				r.log.Debug("resource cache invalidated", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}
