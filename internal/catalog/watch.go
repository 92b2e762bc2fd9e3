package catalog

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// Watcher reloads the catalog when the definition directory changes.
type Watcher struct {
	loader   *Loader
	catalog  *Catalog
	bus      domain.EventBus
	logger   *slog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// NewWatcher watches the loader's directory and every directory below it.
// bus may be nil.
func NewWatcher(loader *Loader, cat *Catalog, bus domain.EventBus, logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		loader:   loader,
		catalog:  cat,
		bus:      bus,
		logger:   logger,
		debounce: debounce,
		fsw:      fsw,
	}
	if err := w.addDirs(loader.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addDirs(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run processes events until ctx is done. Bursts of changes trigger a
// single reload once the directory has been quiet for the debounce period.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	w.logger.Info("watching definition directory",
		"dir", w.loader.Dir(),
		"debounce", w.debounce.String(),
	)

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New subdirectories must be watched too.
				_ = w.addDirs(event.Name)
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definition watcher error", "error", err)

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

func (w *Watcher) reload(ctx context.Context) {
	event, err := w.loader.Reload(ctx, w.catalog)
	if err != nil {
		w.logger.Error("catalog reload failed, keeping current definitions", "error", err)
		return
	}

	w.logger.Info("catalog reloaded",
		"definitions", event.Loaded,
		"rejected", len(event.Rejected),
	)

	if err := PublishReload(ctx, w.bus, event); err != nil {
		w.logger.Warn("failed to publish catalog reload", "error", err)
	}
}

// PublishReload announces a catalog reload on bus. A nil bus is a no-op.
func PublishReload(ctx context.Context, bus domain.EventBus, event domain.CatalogEvent) error {
	if bus == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, domain.BroadcastTenantID, domain.TopicCatalogReloaded, payload)
}
