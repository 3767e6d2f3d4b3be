package cli

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/scenehost/internal/ir"
)

// DefaultWatchDebounce is how long a scene's files must be quiet before a
// change is reported. Editors write a file in several operations.
const DefaultWatchDebounce = 150 * time.Millisecond

// SceneWatcher reports which scene directories under a root changed.
type SceneWatcher struct {
	root     string
	debounce time.Duration
	onChange func(ir.SceneID)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	timers map[ir.SceneID]*time.Timer
}

// NewSceneWatcher watches root and every directory below it.
func NewSceneWatcher(root string, debounce time.Duration, onChange func(ir.SceneID), logger *slog.Logger) (*SceneWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	sw := &SceneWatcher{
		root:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
		timers:   make(map[ir.SceneID]*time.Timer),
	}
	if err := sw.addTree(abs); err != nil {
		w.Close()
		return nil, err
	}
	return sw, nil
}

func (sw *SceneWatcher) addTree(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return sw.watcher.Add(p)
		}
		return nil
	})
}

// sceneOf maps a changed path to the scene directory holding it. Changes
// directly in the root are not scene changes.
func (sw *SceneWatcher) sceneOf(path string) (ir.SceneID, bool) {
	rel, err := filepath.Rel(sw.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, rest, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if rest == "" && !sw.isDir(path) {
		return "", false
	}
	return ir.SceneID(first), true
}

func (sw *SceneWatcher) isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Run delivers changes until ctx is cancelled, then closes the watcher.
func (sw *SceneWatcher) Run(ctx context.Context) {
	defer sw.close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) && sw.isDir(event.Name) {
				if err := sw.addTree(event.Name); err != nil {
					sw.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
				}
			}
			if scene, ok := sw.sceneOf(event.Name); ok {
				sw.logger.Debug("scene file changed", "scene_id", scene, "path", event.Name, "op", event.Op.String())
				sw.schedule(scene)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (sw *SceneWatcher) schedule(scene ir.SceneID) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if t, ok := sw.timers[scene]; ok {
		t.Reset(sw.debounce)
		return
	}
	sw.timers[scene] = time.AfterFunc(sw.debounce, func() {
		sw.mu.Lock()
		delete(sw.timers, scene)
		sw.mu.Unlock()
		sw.onChange(scene)
	})
}

func (sw *SceneWatcher) close() {
	sw.mu.Lock()
	for id, t := range sw.timers {
		t.Stop()
		delete(sw.timers, id)
	}
	sw.mu.Unlock()
	sw.watcher.Close()
}
