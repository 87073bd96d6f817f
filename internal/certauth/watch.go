package certauth

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads file-backed CA material on change, so long-running
// test suites can rotate a CA without restarting the server. Grounded
// on internal/config/watcher.go's Watcher: same fsnotify setup, same
// background-goroutine-plus-done-channel shutdown shape, adapted to
// watch a CA cert/key pair instead of rules.yaml/killed.yaml.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// OnCAChange is called with the reloaded CA after the watched cert or
// key file is rewritten.
type OnCAChange func(*CA)

// WatchCAFiles watches certPath and keyPath for writes and invokes
// onChange with a freshly loaded CA each time either file changes.
func WatchCAFiles(certPath, keyPath string, onChange OnCAChange) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating CA file watcher: %w", err)
	}

	for _, dir := range uniqueDirs(certPath, keyPath) {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching CA directory %s: %w", dir, err)
		}
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(certPath, keyPath, onChange)

	slog.Info("CA file watcher started", "cert", certPath, "key", keyPath)
	return w, nil
}

func (w *Watcher) processEvents(certPath, keyPath string, onChange OnCAChange) {
	certName := filepath.Base(certPath)
	keyName := filepath.Base(keyPath)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != certName && name != keyName {
				continue
			}

			certPEM, err := os.ReadFile(certPath)
			if err != nil {
				slog.Error("CA watcher: reading cert file", "error", err)
				continue
			}
			keyPEM, err := os.ReadFile(keyPath)
			if err != nil {
				slog.Error("CA watcher: reading key file", "error", err)
				continue
			}
			ca, err := LoadCA(certPEM, keyPEM)
			if err != nil {
				slog.Error("CA watcher: reloading CA", "error", err)
				continue
			}
			if onChange != nil {
				onChange(ca)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("CA file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times, and
// safe under concurrent callers.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsWatcher.Close()
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
