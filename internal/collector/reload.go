package collector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches the collector config file and applies changes between
// ticks. Only tunables move: the state directory is pinned at startup.
type Reloader struct {
	watcher *fsnotify.Watcher
	agent   *Agent
	path    string
}

// NewReloader creates a file watcher for the given config path.
func NewReloader(agent *Agent, path string) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{watcher: watcher, agent: agent, path: path}, nil
}

// Run watches for config changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait for the last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] Config watcher error: %v", err)
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		log.Printf("[WARN] Config reload failed, keeping previous configuration: %v", err)
		return
	}
	if err := r.agent.UpdateConfig(cfg); err != nil {
		log.Printf("[WARN] Config reload rejected: %v", err)
	}
}
