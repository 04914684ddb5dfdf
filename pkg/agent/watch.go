package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of file events into one reload.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the agents directory changes. Blocks
// until ctx is canceled; run it in its own goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &RegistryError{Action: "watch", Message: "create watcher", Err: err}
	}
	defer watcher.Close()

	if err := watcher.Add(r.agentsDir); err != nil {
		return &RegistryError{Action: "watch", Message: "watch agents dir", Err: err}
	}

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
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			slog.Info("registry: agents dir changed, reloading")
			if err := r.LoadAll(ctx); err != nil {
				slog.Error("registry: reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("registry: watcher error", "error", err)
		}
	}
}
