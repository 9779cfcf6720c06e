package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsTunables(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VAULTD_TEST_CONFIG_DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  lexical_weight: 0.4\n  semantic_weight: 0.6\n"), 0600))

	reloaded := make(chan config.Tunables, 4)
	w, err := config.NewWatcher(path,
		func(tun config.Tunables) { reloaded <- tun },
		func(err error) { t.Logf("reload error: %v", err) },
	)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("search:\n  lexical_weight: 0.7\n  semantic_weight: 0.3\n"), 0600))

	select {
	case tun := <-reloaded:
		assert.Equal(t, 0.7, tun.Search.LexicalWeight)
		assert.Equal(t, 0.3, tun.Search.SemanticWeight)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VAULTD_TEST_CONFIG_DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0600))

	reloaded := make(chan config.Tunables, 4)
	errs := make(chan error, 4)
	w, err := config.NewWatcher(path,
		func(tun config.Tunables) { reloaded <- tun },
		func(err error) { errs <- err },
	)
	require.NoError(t, err)
	defer w.Close()

	// Negative weight fails validation; no snapshot may be delivered.
	require.NoError(t, os.WriteFile(path, []byte("search:\n  lexical_weight: -1\n"), 0600))

	select {
	case <-errs:
	case tun := <-reloaded:
		t.Fatalf("invalid config produced a snapshot: %+v", tun)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}
