package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewManagerDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().StorePath, m.Get().StorePath)
}

func TestManagerSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	config := Default()
	config.StorePath = "/tmp/creds.db"
	config.Providers["anthropic"] = ProviderConfig{EnvVars: []string{"ANTHROPIC_API_KEY"}}
	require.NoError(t, m.Save(config))

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/creds.db", reloaded.Get().StorePath)
	require.Equal(t, []string{"ANTHROPIC_API_KEY"}, reloaded.Get().ProviderEnvVars()["anthropic"])
}

func TestManagerOnChangeNotifiesOnSave(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	notified := make(chan *FileConfig, 1)
	m.OnChange(func(old, new *FileConfig) { notified <- new })

	config := Default()
	config.RefreshAhead = 90 * time.Second
	require.NoError(t, m.Save(config))

	select {
	case got := <-notified:
		require.Equal(t, 90*time.Second, got.RefreshAhead)
	case <-time.After(time.Second):
		t.Fatal("expected OnChange to fire after Save")
	}
}
