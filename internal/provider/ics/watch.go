package ics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Subscribe watches the root and every calendar directory. Bursts of file
// events are debounced into a single signal.
func (p *Provider) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(p.root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch ics root %s: %w", p.root, err)
	}
	dirs, err := p.calendarDirs()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, d := range dirs {
		if err := watcher.Add(filepath.Join(p.root, d)); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch calendar %s: %w", d, err)
		}
	}

	out := make(chan struct{}, 1)
	go p.watch(ctx, watcher, out)
	return out, nil
}

func (p *Provider) watch(ctx context.Context, watcher *fsnotify.Watcher, out chan<- struct{}) {
	defer close(out)
	defer watcher.Close()

	timer := time.NewTimer(p.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !p.relevant(watcher, event) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(p.debounce)
			}

		case <-timer.C:
			pending = false
			select {
			case out <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("root", p.root).Msg("ICS watcher error")
		}
	}
}

// relevant filters temp files and starts watching newly created calendar
// directories.
func (p *Provider) relevant(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	if filepath.Dir(event.Name) == filepath.Clean(p.root) {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := watcher.Add(event.Name); err != nil {
					log.Warn().Err(err).Str("calendar_dir", event.Name).Msg("Failed to watch new calendar")
				}
			}
		}
		// calendar added or removed
		return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	}

	if !strings.HasSuffix(base, fileExt) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
