// Package watch re-triggers runs when spec documents or step sources change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config lists what to watch and how long to coalesce bursts of events.
type Config struct {
	// Paths are files or directories. Directories are watched recursively
	// as they existed at startup.
	Paths    []string
	Debounce time.Duration
	Log      *logrus.Logger
}

// Run watches until ctx is cancelled, invoking onChange after each debounced
// burst of filesystem events. Errors from onChange are logged, not fatal:
// a broken edit should not kill the watcher that will pick up the fix.
func Run(ctx context.Context, cfg Config, onChange func(context.Context) error) error {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range cfg.Paths {
		if err := addRecursive(watcher, p); err != nil {
			return err
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debugf("watch event=%s file=%s", event.Op, event.Name)
			// New directories need their own watch to stay recursive.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("watch error=%v", err)
		case <-fire:
			timer = nil
			fire = nil
			log.Infof("changes detected, re-running")
			if err := onChange(ctx); err != nil {
				log.Errorf("re-run failed: %v", err)
			}
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	if !info.IsDir() {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
		}
		return nil
	})
}
