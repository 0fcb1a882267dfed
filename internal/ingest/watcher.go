package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Sink receives the effects of file changes.
type Sink interface {
	// Add stores one chunk.
	Add(ctx context.Context, text string, metadata map[string]any) (string, error)
	// Forget removes every chunk previously stored for source.
	Forget(ctx context.Context, source string) error
}

// SyncEvent describes the outcome of processing one changed path.
type SyncEvent struct {
	Source  string
	Removed bool
	Chunks  int
	Err     error
}

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce batches bursts of events. Defaults to 500ms.
	Debounce time.Duration
	// OnSync is called after each changed path has been processed.
	OnSync func(SyncEvent)
}

// Watch keeps the index in sync with root until ctx is cancelled. A created
// or modified file has its old chunks forgotten and is re-ingested; a
// removed or renamed file is forgotten, as is every known file under a
// removed or renamed directory.
func (t *Traverser) Watch(ctx context.Context, root string, sink Sink, opts WatchOptions) error {
	root, err := checkRoot(root)
	if err != nil {
		return err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := t.watchTree(w, root, root); err != nil {
		return fmt.Errorf("add watch dirs: %w", err)
	}
	t.logger.Info(ctx, "watching directory", zap.String("root", root))

	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	// known holds the absolute paths of files currently in the index, so a
	// vanished directory can be resolved to the sources it contained.
	known := make(map[string]struct{})
	initial, _ := t.collect(root)
	for _, f := range initial {
		known[f] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := t.watchTree(w, root, ev.Name); err != nil {
						t.logger.Warn(ctx, "watching new directory", zap.String("path", ev.Name), zap.Error(err))
					}
					for _, f := range t.filesUnder(root, ev.Name) {
						pending[f] = struct{}{}
					}
					timer.Reset(opts.Debounce)
					continue
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if under := knownUnder(known, ev.Name); len(under) > 0 {
					for _, f := range under {
						pending[f] = struct{}{}
					}
					timer.Reset(opts.Debounce)
					continue
				}
			}
			if !t.Eligible(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(opts.Debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn(ctx, "watch error", zap.Error(err))

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			for _, p := range paths {
				ev := t.sync(ctx, root, p, sink)
				if ev.Removed {
					delete(known, p)
				} else {
					known[p] = struct{}{}
				}
				if opts.OnSync != nil {
					opts.OnSync(ev)
				}
			}
		}
	}
}

func (t *Traverser) sync(ctx context.Context, root, path string, sink Sink) SyncEvent {
	source := relPath(root, path)
	ev := SyncEvent{Source: source}

	if err := sink.Forget(ctx, source); err != nil {
		ev.Err = fmt.Errorf("forgetting %s: %w", source, err)
		t.logger.Warn(ctx, "sync failed", zap.String("source", source), zap.Error(ev.Err))
		return ev
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		ev.Removed = true
		t.logger.Info(ctx, "source removed", zap.String("source", source))
		return ev
	}

	ids, warns, err := t.IngestFile(ctx, root, path, sink.Add)
	ev.Chunks = len(ids)
	switch {
	case err != nil:
		ev.Err = err
	case len(warns) > 0:
		ev.Err = warns[0]
	}
	if ev.Err != nil {
		t.logger.Warn(ctx, "sync failed", zap.String("source", source), zap.Error(ev.Err))
	} else {
		t.logger.Info(ctx, "source re-ingested", zap.String("source", source), zap.Int("chunks", ev.Chunks))
	}
	return ev
}

// watchTree adds dir and its non-ignored subdirectories to w.
func (t *Traverser) watchTree(w *fsnotify.Watcher, root, dir string) error {
	matcher := t.ignoreMatcher(root)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && (d.Name() == ".git" || (matcher != nil && matcher.Match(splitPath(root, path), true))) {
			return fs.SkipDir
		}
		return w.Add(path)
	})
}

func (t *Traverser) filesUnder(root, dir string) []string {
	files, _ := t.collect(root)
	var out []string
	for _, f := range files {
		if rel, err := filepath.Rel(dir, f); err == nil && filepath.IsLocal(rel) {
			out = append(out, f)
		}
	}
	return out
}

// knownUnder returns the known files strictly inside dir, in lexical order.
func knownUnder(known map[string]struct{}, dir string) []string {
	var out []string
	for f := range known {
		if rel, err := filepath.Rel(dir, f); err == nil && rel != "." && filepath.IsLocal(rel) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}
