package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := `
node_id: node-2
bind_addr: 127.0.0.1:7951
data_dir: /var/lib/concord
peers:
  - node-1=127.0.0.1:7950
consistency: strong
ttl_sweep_interval: 30s
compression:
  enabled: true
  algorithm: gzip
  threshold_bytes: 2048
  level: 9
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := loadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, "node-2", cfg.NodeID)
	require.Equal(t, "127.0.0.1:7951", cfg.BindAddr)
	require.Equal(t, []string{"node-1=127.0.0.1:7950"}, cfg.Peers)
	require.Equal(t, "strong", cfg.Consistency)
	require.Equal(t, "30s", cfg.TTLSweepInterval)
	require.True(t, cfg.Enabled)
	require.Equal(t, "gzip", cfg.Algorithm)
	require.Equal(t, 2048, cfg.ThresholdBytes)
	require.Equal(t, 9, cfg.Level)
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	_, err := loadFileConfig("/nonexistent/path.yaml")
	require.Error(t, err)
}
