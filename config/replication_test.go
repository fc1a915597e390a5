package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replication.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadReplicationConfig_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
node_id: node1
bind_addr: 127.0.0.1:7000
data_dir: /var/lib/gojodb/node1
`)

	cfg, err := LoadReplicationConfig(path)
	require.NoError(t, err)
	require.Equal(t, "node1", cfg.NodeID)
	require.Equal(t, "NO_OOOC", cfg.CommitMode)
	require.Equal(t, 8, cfg.DispatcherWorkers)
	require.Equal(t, int64(1), cfg.ReportInterval)
	require.Equal(t, "/var/lib/gojodb/node1/state.dat", cfg.StateFilePath)
}

func TestLoadReplicationConfig_HonorsExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `
node_id: node1
bind_addr: 127.0.0.1:7000
data_dir: /var/lib/gojodb/node1
bootstrap: true
commit_mode: OOOC
dispatcher_workers: 16
report_interval: 5
peers:
  - node2@127.0.0.1:7001
logger:
  level: debug
telemetry:
  enabled: true
  service_name: gojodb-replicator
`)

	cfg, err := LoadReplicationConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Bootstrap)
	require.Equal(t, "OOOC", cfg.CommitMode)
	require.Equal(t, 16, cfg.DispatcherWorkers)
	require.Equal(t, int64(5), cfg.ReportInterval)
	require.Equal(t, []string{"node2@127.0.0.1:7001"}, cfg.Peers)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "gojodb-replicator", cfg.Telemetry.ServiceName)
}

func TestLoadReplicationConfig_MissingRequiredFieldErrors(t *testing.T) {
	path := writeConfigFile(t, `
bind_addr: 127.0.0.1:7000
data_dir: /var/lib/gojodb/node1
`)

	_, err := LoadReplicationConfig(path)
	require.Error(t, err)
}

func TestLoadReplicationConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadReplicationConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
