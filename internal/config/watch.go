package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// new config to OnChange. Invalid configs are logged and the previous one
// stays active.
type Watcher struct {
	path     string
	log      *logrus.Logger
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	debounce time.Duration
	hash     string
}

// NewWatcher watches the directory holding path, so atomic renames by
// editors and config-map updates are seen.
func NewWatcher(path string, log *logrus.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		log:      log,
		watcher:  fw,
		onChange: onChange,
		debounce: DefaultDebounce,
	}
	w.hash = w.hashFile()
	return w, nil
}

// hashFile returns the content hash of the config file, or "" if unreadable.
func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Start runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.path).Info("Watching config file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Config watcher stopping")
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	hash := w.hashFile()
	if hash == "" || hash == w.hash {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Error("Rejected config reload, keeping previous config")
		return
	}
	w.hash = hash
	w.log.WithField("path", w.path).Info("Config reloaded")
	w.onChange(cfg)
}
