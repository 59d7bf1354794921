package config

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ChangeFunc is notified with the old and new configuration after a reload.
type ChangeFunc func(old, new *FileConfig)

// Manager owns the in-memory FileConfig, reloading it from disk on change
// and notifying subscribers.
type Manager struct {
	path string

	mu     sync.RWMutex
	config *FileConfig

	listenersMu sync.Mutex
	listeners   []ChangeFunc

	stopCh chan struct{}
}

// NewManager loads path if it exists, or starts from Default otherwise.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, stopCh: make(chan struct{})}

	config, err := load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		config = Default()
	}
	m.config = config
	return m, nil
}

// Get returns the current configuration. Callers must not mutate it.
func (m *Manager) Get() *FileConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save persists config and makes it current, notifying subscribers.
func (m *Manager) Save(config *FileConfig) error {
	if err := save(m.path, config); err != nil {
		return err
	}
	m.mu.Lock()
	old := m.config
	m.config = config
	m.mu.Unlock()
	m.emitChange(old, config)
	return nil
}

// OnChange registers fn to run after every reload or Save.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emitChange(old, new *FileConfig) {
	m.listenersMu.Lock()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(old, new)
	}
}

// StartWatching begins watching the config file for external edits,
// reloading and notifying subscribers on change. Call Stop to end it.
func (m *Manager) StartWatching() {
	m.startWatcher()
}

// Stop ends the file watcher goroutine, if running.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *Manager) reload() {
	config, err := load(m.path)
	if err != nil {
		log.WithError(err).WithField("path", m.path).Warn("config: reload failed, keeping previous configuration")
		return
	}
	m.mu.Lock()
	old := m.config
	m.config = config
	m.mu.Unlock()
	m.emitChange(old, config)
}
