package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("config: failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}

	if err := watcher.Add(m.path); err != nil {
		// The config file may not exist yet; watch its directory instead so
		// a later create/rename is still picked up.
		if err := watcher.Add(filepath.Dir(m.path)); err != nil {
			log.WithError(err).WithField("path", m.path).Warn("config: failed to watch config path, falling back to polling")
			watcher.Close()
			m.startPollingWatcher()
			return
		}
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, m.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: file watcher error")

			case <-m.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
}

func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reload()
			case <-m.stopCh:
				return
			}
		}
	}()
}
