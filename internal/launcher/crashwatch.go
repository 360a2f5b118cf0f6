// /internal/launcher/crashwatch.go
package launcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hrs-launcher/internal/log"
)

const crashDebounce = 2 * time.Second

// crashWatcher records files the game writes into its crash directory while it runs.
type crashWatcher struct {
	dir string

	mu    sync.Mutex
	files map[string]struct{}
}

func startCrashWatcher(ctx context.Context, dir string) *crashWatcher {
	cw := &crashWatcher{dir: dir, files: make(map[string]struct{})}
	if dir == "" {
		return cw
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Log.Warn("Could not create crash directory watcher: %v", err)
		return cw
	}
	if err := watcher.Add(dir); err != nil {
		log.Log.Warn("Could not watch crash directory '%s': %v", dir, err)
		watcher.Close()
		return cw
	}
	log.Log.Debug("Watching '%s' for crash reports.", dir)

	var debounceTimer *time.Timer
	var timerMu sync.Mutex

	go func() {
		<-ctx.Done()
		watcher.Close()
		timerMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		timerMu.Unlock()
	}()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				cw.add(event.Name)
				timerMu.Lock()
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				name := filepath.Base(event.Name)
				debounceTimer = time.AfterFunc(crashDebounce, func() {
					log.Log.Warn("Crash report written by the game: %s", name)
				})
				timerMu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Log.Warn("Crash watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cw
}

func (cw *crashWatcher) add(path string) {
	cw.mu.Lock()
	cw.files[path] = struct{}{}
	cw.mu.Unlock()
}

// collect returns every crash file seen, plus files modified since start
// that the watcher may have missed.
func (cw *crashWatcher) collect(since time.Time) []string {
	if cw.dir != "" {
		if entries, err := os.ReadDir(cw.dir); err == nil {
			for _, e := range entries {
				info, err := e.Info()
				if err != nil || info.IsDir() {
					continue
				}
				if !info.ModTime().Before(since.Add(-time.Second)) {
					cw.add(filepath.Join(cw.dir, e.Name()))
				}
			}
		}
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]string, 0, len(cw.files))
	for f := range cw.files {
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}
