package importer

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes an inbox directory and reports batch files dropped into
// it. Writers that stream a file in produce several events; a debounce
// window collapses them into one notification per path.
type Watcher struct {
	dir      string
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// NewWatcher starts watching dir for batch files.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, debounce: 500 * time.Millisecond, fw: fw}, nil
}

// Run delivers each settled batch file path to handle until the context is
// cancelled or the underlying watcher closes.
func (w *Watcher) Run(ctx context.Context, handle func(path string)) error {
	pending := map[string]*time.Timer{}
	fire := make(chan string)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path := <-fire:
			delete(pending, path)
			handle(path)
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.ToLower(filepath.Ext(event.Name)) != ".csv" {
				continue
			}
			path := event.Name
			if timer, exists := pending[path]; exists {
				timer.Stop()
			}
			pending[path] = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- path:
				case <-ctx.Done():
				}
			})
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
