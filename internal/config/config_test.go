package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, 64, cfg.Buffer.Capacity)
	require.Equal(t, "lru", cfg.Buffer.Policy)
	require.True(t, cfg.Tree.DelayedMerge)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bpteng.yaml")
	contents := []byte("buffer:\n  capacity: 128\n  policy: mru\ntree:\n  leaf_order: 32\n  internal_order: 249\n  delayed_merge: false\nverbose: true\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.Buffer.Capacity)
	require.Equal(t, "mru", cfg.Buffer.Policy)
	require.Equal(t, 32, cfg.Tree.LeafOrder)
	require.False(t, cfg.Tree.DelayedMerge)
	require.True(t, cfg.Verbose)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
