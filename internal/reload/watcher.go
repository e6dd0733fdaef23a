// Package reload applies configuration changes to a running relay. The
// Watcher notices edits of the config file and the Handler swaps the new
// configuration into the engine and modules.
package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// ConfigPath is the configuration file to watch.
	ConfigPath string

	// Debounce coalesces bursts of writes, such as an editor's write, chmod
	// and rename. Defaults to 250ms.
	Debounce time.Duration
}

// Event reports a change of the configuration file's content.
type Event struct {
	ConfigPath string
	Digest     string // hex SHA-256 of the new content
}

// Watcher emits an Event each time the content of the configuration file
// changes. Saves that leave the bytes unchanged and a file that is briefly
// missing during a replace-by-rename produce no event. The parent directory
// is watched so renames onto the path are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	events   chan Event

	mu      sync.Mutex
	digest  string
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewWatcher creates a watcher for cfg.ConfigPath.
func NewWatcher(cfg WatcherConfig) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(cfg.ConfigPath),
		debounce: debounce,
		events:   make(chan Event, 1),
	}
}

// Start begins watching until ctx ends or Stop is called. Calls after the
// first are no-ops.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("reload: watch %s: %w", dir, err)
	}
	w.digest, _ = fileDigest(w.path)

	ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	go w.run(ctx, fsw, w.stopped)
	return nil
}

// Events returns the change notifications. At most one is buffered; later
// changes coalesce into it until it is received.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop ends watching and waits for the goroutine. It is safe to call more
// than once and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, stopped := w.cancel, w.stopped
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, stopped chan struct{}) {
	defer close(stopped)
	defer func() { _ = fsw.Close() }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&relevant != 0 {
				timer.Reset(w.debounce)
			}
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		case <-timer.C:
			w.check()
		}
	}
}

// check emits an Event if the file content differs from the last one seen.
func (w *Watcher) check() {
	digest, err := fileDigest(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := digest != w.digest
	w.digest = digest
	w.mu.Unlock()
	if !changed {
		return
	}
	select {
	case w.events <- Event{ConfigPath: w.path, Digest: digest}:
	default:
	}
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
