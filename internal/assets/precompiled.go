package assets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PrecompiledIndex tracks SVG assets placed on disk ahead of time. When a
// compiler fails, a precompiled asset with the spec's identifier keeps the
// pipeline alive. The directory is watched so drops take effect without a
// restart.
type PrecompiledIndex struct {
	dir string
	log *zap.Logger

	mu    sync.RWMutex
	files map[string]string // identifier -> path

	watcher *fsnotify.Watcher
	stopped chan struct{}
}

// NewPrecompiledIndex scans dir and starts the watcher. A missing
// directory yields an empty, unwatched index.
func NewPrecompiledIndex(dir string, log *zap.Logger) *PrecompiledIndex {
	idx := &PrecompiledIndex{
		dir:     dir,
		log:     log,
		files:   make(map[string]string),
		stopped: make(chan struct{}),
	}
	if dir == "" {
		return idx
	}
	idx.rescan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("precompiled asset watcher unavailable", zap.Error(err))
		return idx
	}
	if err := watcher.Add(dir); err != nil {
		log.Debug("precompiled asset dir not watchable", zap.String("dir", dir), zap.Error(err))
		watcher.Close()
		return idx
	}
	idx.watcher = watcher
	go idx.watch()
	return idx
}

// Close stops the watcher.
func (idx *PrecompiledIndex) Close() {
	if idx.watcher != nil {
		idx.watcher.Close()
	}
	close(idx.stopped)
}

// Lookup returns the precompiled SVG for an identifier.
func (idx *PrecompiledIndex) Lookup(identifier string) (string, bool) {
	idx.mu.RLock()
	path, ok := idx.files[identifier]
	idx.mu.RUnlock()
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		idx.log.Warn("precompiled asset unreadable", zap.String("path", path), zap.Error(err))
		return "", false
	}
	svg, err := SanitizeSVG(string(data))
	if err != nil {
		idx.log.Warn("precompiled asset rejected by sanitizer", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return svg, true
}

func (idx *PrecompiledIndex) rescan() {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".svg") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".svg")
		files[id] = filepath.Join(idx.dir, e.Name())
	}
	idx.mu.Lock()
	idx.files = files
	idx.mu.Unlock()
	idx.log.Debug("precompiled asset index refreshed", zap.Int("count", len(files)))
}

func (idx *PrecompiledIndex) watch() {
	for {
		select {
		case <-idx.stopped:
			return
		case _, ok := <-idx.watcher.Events:
			if !ok {
				return
			}
			idx.rescan()
		case err, ok := <-idx.watcher.Errors:
			if !ok {
				return
			}
			idx.log.Warn("precompiled asset watcher error", zap.Error(err))
		}
	}
}
