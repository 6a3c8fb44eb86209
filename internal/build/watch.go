package build

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rebuilds in development mode whenever a watched source changes, until
// ctx is done. Changes are debounced; onBuild receives every outcome. Watch
// needs the OS filesystem.
func (o *Orchestrator) Watch(ctx context.Context, onBuild func(Result, error)) error {
	o.defaults()
	cfg := &o.Config

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	outDir, _ := filepath.Abs(cfg.OutPath())
	ignored := func(p string) bool {
		abs, err := filepath.Abs(p)
		if err != nil {
			return true
		}
		return abs == outDir || strings.HasPrefix(abs, outDir+string(filepath.Separator))
	}

	addTree := func(root string) {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			name := d.Name()
			if p != root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			if ignored(p) {
				return filepath.SkipDir
			}
			return w.Add(p)
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			o.Log.Warn().Err(err).Str("dir", root).Msg("cannot watch")
		}
	}

	for _, dir := range cfg.Version.SourceDirs {
		addTree(cfg.Path(dir))
	}
	if err := w.Add(filepath.Dir(cfg.Path(cfg.Worker.Template))); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.Log.Warn().Err(err).Msg("cannot watch worker template")
	}
	o.Log.Info().Strs("dirs", w.WatchList()).Msg("watching for changes")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ignored(ev.Name) || ev.Has(fsnotify.Chmod) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					addTree(ev.Name)
				}
			}
			o.Log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change")
			timer.Reset(o.Debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.Log.Warn().Err(err).Msg("watcher error")

		case <-timer.C:
			res, err := o.Build(ctx, Development)
			if err != nil {
				o.Log.Error().Err(err).Msg("rebuild failed")
			}
			if onBuild != nil {
				onBuild(res, err)
			}
		}
	}
}
