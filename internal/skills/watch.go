package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestName is the file consulted inside the skills directory.
const ManifestName = "manifest.json"

const defaultWatchDebounce = 250 * time.Millisecond

type manifest struct {
	Enabled []string `json:"enabled"`
}

// Watcher re-applies the enabled skill set whenever the directory manifest
// changes. Only meaningful with skills.mode=auto.
type Watcher struct {
	reg      *Registry
	cfg      Config
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce time.Duration
}

// Watch loads the manifest-derived skill set and keeps it current until
// Close. The directory must exist before watching starts.
func Watch(ctx context.Context, reg *Registry, cfg Config, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("skills directory not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		reg:      reg,
		cfg:      cfg,
		logger:   logger.With("component", "skills"),
		watcher:  fsw,
		cancel:   cancel,
		debounce: defaultWatchDebounce,
	}
	w.apply()

	w.wg.Add(1)
	go w.loop(wctx)
	return w, nil
}

// Close stops the watcher and waits for the event loop to drain.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.apply)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ManifestName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watch error", "error", err)
		}
	}
}

// apply reloads builtins against the manifest. A missing manifest means the
// full mode-derived set; an unreadable one leaves the registry untouched.
func (w *Watcher) apply() {
	cfg := w.cfg
	enabled, err := readManifest(filepath.Join(cfg.Dir, ManifestName))
	switch {
	case err == nil:
		cfg.Enabled = enabled
	case errors.Is(err, fs.ErrNotExist):
		// fall through to the configured set
	default:
		w.logger.Warn("skills manifest unreadable", "error", err)
		return
	}

	loaded, errs := Load(w.reg, cfg, w.logger)
	for name, err := range errs {
		w.logger.Warn("skill reload failed", "skill", name, "error", err)
	}

	want := make(map[string]bool, len(loaded))
	for _, name := range loaded {
		want[name] = true
	}
	for _, skill := range w.reg.Skills() {
		if _, builtin := builtins[skill.Name]; builtin && !want[skill.Name] {
			w.reg.Unregister(skill.Name)
		}
	}
	w.logger.Info("skills reloaded", "count", len(loaded))
}

func readManifest(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m.Enabled, nil
}
