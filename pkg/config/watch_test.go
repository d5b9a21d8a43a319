package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  id: gw-1\n"), 0o644))

	changed := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer stop()

	// Let the watcher settle before the first modification.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  id: gw-2\n"), 0o644))

	select {
	case cfg := <-changed:
		require.Equal(t, "gw-2", cfg.Gateway.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestWatchKeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  id: gw-1\n"), 0o644))

	changed := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer stop()

	time.Sleep(100 * time.Millisecond)
	// Broken YAML must not reach onChange.
	require.NoError(t, os.WriteFile(path, []byte("gateway: [broken\n"), 0o644))

	select {
	case cfg := <-changed:
		t.Fatalf("broken config delivered: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}

	// A subsequent valid write recovers.
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  id: gw-3\n"), 0o644))
	select {
	case cfg := <-changed:
		require.Equal(t, "gw-3", cfg.Gateway.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("recovery reload never observed")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "nope", "config.yaml"), func(*Config) {})
	require.Error(t, err)
}
