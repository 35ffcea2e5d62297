package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// Loader keeps the service in sync with a scripts directory.
type Loader struct {
	dir      string
	svc      *Service
	debounce time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	hashes map[string]uint64
	timers map[string]*time.Timer

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	wg        sync.WaitGroup

	// OnChange runs after a script is loaded, reloaded or unloaded.
	OnChange func()
}

// NewLoader creates a loader for dir. A zero debounce uses the default.
func NewLoader(dir string, svc *Service, debounce time.Duration) *Loader {
	if debounce <= 0 {
		debounce = consts.ReloadDebounce
	}
	return &Loader{
		dir:      dir,
		svc:      svc,
		debounce: debounce,
		log:      logger.Global().WithPrefix("loader"),
		hashes:   make(map[string]uint64),
		timers:   make(map[string]*time.Timer),
	}
}

// LoadAll loads every script in the directory. Failures are logged per
// script and do not stop the others.
func (l *Loader) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), consts.ScriptExtension) {
			paths = append(paths, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(paths)

	loaded := 0
	for _, p := range paths {
		changed, err := l.Sync(ctx, p)
		if err != nil {
			l.log.Error("failed to load %s: %v", p, err)
			continue
		}
		if changed {
			loaded++
		}
	}
	return loaded, nil
}

func fingerprint(scriptPath string) (uint64, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	_, _ = h.Write(src)
	if manifest, err := os.ReadFile(ManifestPath(scriptPath)); err == nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(manifest)
	}
	return h.Sum64(), nil
}

// Sync brings one script in line with disk: loads it when new or changed,
// unloads it when gone. It reports whether the service changed.
func (l *Loader) Sync(ctx context.Context, scriptPath string) (bool, error) {
	name := ScriptName(scriptPath)
	sum, err := fingerprint(scriptPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, err
		}
		l.mu.Lock()
		_, known := l.hashes[scriptPath]
		delete(l.hashes, scriptPath)
		l.mu.Unlock()
		if !known {
			return false, nil
		}
		if err := l.svc.Unload(ctx, name); err != nil {
			return false, err
		}
		l.changed()
		return true, nil
	}

	l.mu.Lock()
	prev, known := l.hashes[scriptPath]
	l.mu.Unlock()
	if known && prev == sum {
		return false, nil
	}
	if err := l.svc.Load(ctx, scriptPath); err != nil {
		return false, err
	}
	l.mu.Lock()
	l.hashes[scriptPath] = sum
	l.mu.Unlock()
	l.log.Info("loaded %s", name)
	l.changed()
	return true, nil
}

func (l *Loader) changed() {
	if l.OnChange != nil {
		l.OnChange()
	}
}

// Watch reloads scripts as they change until Close.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher
	l.stopWatch = make(chan struct{})
	l.wg.Add(1)
	go l.watchFiles(ctx)
	return nil
}

func (l *Loader) watchFiles(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopWatch:
			return
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if script := scriptFor(event.Name); script != "" {
				l.schedule(ctx, script)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error("script watcher error: %v", err)
		}
	}
}

// scriptFor maps a changed file to the script it belongs to.
func scriptFor(name string) string {
	switch filepath.Ext(name) {
	case consts.ScriptExtension:
		return name
	case consts.ManifestExtension:
		return strings.TrimSuffix(name, consts.ManifestExtension) + consts.ScriptExtension
	}
	return ""
}

func (l *Loader) schedule(ctx context.Context, script string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[script]; ok {
		t.Stop()
	}
	l.timers[script] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		delete(l.timers, script)
		l.mu.Unlock()
		if _, err := l.Sync(ctx, script); err != nil {
			l.log.Error("reload of %s failed: %v", script, err)
		}
	})
}

// Reload forces a reload of one script, as requested by an
// EXECUTE_SCRIPT event. Only scripts directly inside the loader's
// directory are accepted.
func (l *Loader) Reload(ctx context.Context, scriptPath string) error {
	name, err := scriptInDir(l.dir, scriptPath)
	if err != nil {
		return err
	}
	scriptPath = filepath.Join(l.dir, name)
	l.mu.Lock()
	delete(l.hashes, scriptPath)
	l.mu.Unlock()
	_, err = l.Sync(ctx, scriptPath)
	return err
}

// scriptInDir returns the file name of scriptPath when it is a script file
// directly inside dir.
func scriptInDir(dir, scriptPath string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: no scripts directory configured", capability.ErrPermissionDenied)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != absDir || !strings.HasSuffix(abs, consts.ScriptExtension) {
		return "", fmt.Errorf("%w: %s is not a script in %s", capability.ErrPermissionDenied, scriptPath, absDir)
	}
	return filepath.Base(abs), nil
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopWatch)
	err := l.watcher.Close()
	l.wg.Wait()
	l.mu.Lock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*time.Timer)
	l.mu.Unlock()
	return err
}
