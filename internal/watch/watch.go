// Package watch triggers re-runs when files under a watched directory
// change. Used by the CLI's watch mode to rerun discovery or execution
// after a rebuild drops a fresh worker binary.
package watch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Config controls what is watched and how changes are coalesced.
type Config struct {
	// Dirs are the directories to watch. Not recursive.
	Dirs []string

	// Debounce is how long to wait after the last event before firing.
	// Editors and build tools emit bursts; one trigger per burst is enough.
	Debounce time.Duration

	// IgnoreSuffixes filters out scratch files (".swp", "~", ".tmp").
	IgnoreSuffixes []string
}

// Watcher coalesces file-change events into triggers.
type Watcher struct {
	cfg     Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	trigger chan struct{}
}

// New creates a watcher over cfg.Dirs.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.IgnoreSuffixes == nil {
		cfg.IgnoreSuffixes = []string{".swp", ".tmp", "~"}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range cfg.Dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		cfg:     cfg,
		logger:  slog.With("component", "watch"),
		watcher: fsw,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Triggers returns the channel that receives one value per debounced
// change burst. Run must be active for triggers to flow.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.trigger
}

// Run pumps file events into debounced triggers until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.logger.Info("watching for changes", "dirs", w.cfg.Dirs)

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.ignored(event.Name) {
				continue
			}
			w.logger.Debug("file changed", "file", event.Name, "op", event.Op)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.cfg.Debounce, w.fire)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) ignored(name string) bool {
	for _, suffix := range w.cfg.IgnoreSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (w *Watcher) fire() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// A trigger is already pending; the consumer will pick up all
		// changes in its next pass.
	}
}
