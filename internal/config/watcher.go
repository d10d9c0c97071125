package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// Watch reloads hot-reloadable fields of cfg whenever its config file
// changes on disk. It blocks until ctx is cancelled, so run it in a
// goroutine. Editors often emit several events per save; changes are
// debounced briefly before reloading.
func Watch(ctx context.Context, cfg *Config) error {
	path := cfg.Path()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files via rename, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	utils.Debug("[Config] Watching %s for changes", path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			fresh, err := Load(path)
			if err != nil {
				utils.Warn("[Config] Reload failed: %v", err)
				continue
			}
			frozen := cfg.ApplyHotReload(fresh)
			if len(frozen) > 0 {
				utils.Warn("[Config] Changed fields need a restart: %s", strings.Join(frozen, ", "))
			}
			utils.Info("[Config] Reloaded %s", path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			utils.Warn("[Config] Watcher error: %v", err)
		}
	}
}
