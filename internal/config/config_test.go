package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
weft:
  node:
    identity_file: /tmp/weft-test/identity.secret
    data_dir: /tmp/weft-test
  listen:
    - "0.0.0.0:9993"
    - "[::]:9993"
  roots:
    file: /tmp/weft-test/roots.yml
  networks:
    - id: "0123456789abcdef"
      open: false
      members:
        - "0102030405"
        - "a1b2c3d4e5"
  physical_paths:
    - prefix: "10.0.0.0/8"
      mtu: 9000
      trusted_path_id: 7
  switch:
    announce_interval: 30s
  dispatcher:
    partitions: 8
  log:
    level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/weft-test/identity.secret", cfg.Node.IdentityFile)
	assert.Equal(t, []string{"0.0.0.0:9993", "[::]:9993"}, cfg.Listen)
	assert.Equal(t, "/tmp/weft-test/roots.yml", cfg.Roots.File)

	require.Len(t, cfg.Networks, 1)
	assert.Equal(t, "0123456789abcdef", cfg.Networks[0].ID)
	assert.False(t, cfg.Networks[0].Open)
	assert.Len(t, cfg.Networks[0].Members, 2)

	require.Len(t, cfg.PhysicalPaths, 1)
	assert.Equal(t, "10.0.0.0/8", cfg.PhysicalPaths[0].Prefix)
	assert.Equal(t, 9000, cfg.PhysicalPaths[0].MTU)
	assert.Equal(t, uint64(7), cfg.PhysicalPaths[0].TrustedPathID)

	assert.Equal(t, "30s", cfg.Switch.AnnounceInterval)
	assert.Equal(t, 8, cfg.Dispatcher.Partitions)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "weft: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"0.0.0.0:9993"}, cfg.Listen)
	assert.Equal(t, "/var/lib/weft/identity.secret", cfg.Node.IdentityFile)
	assert.Equal(t, 4, cfg.Dispatcher.Partitions)
	assert.Equal(t, 4096, cfg.Dispatcher.QueueSize)
	assert.Equal(t, "/var/run/weft.sock", cfg.Control.Socket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "60s", cfg.Switch.AnnounceInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad network id", "weft:\n  networks:\n    - id: \"xyz\"\n"},
		{"bad member address", "weft:\n  networks:\n    - id: \"0123456789abcdef\"\n      members: [\"nope\"]\n"},
		{"bad physical prefix", "weft:\n  physical_paths:\n    - prefix: \"not-a-prefix\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestParseNetworkID(t *testing.T) {
	id, err := ParseNetworkID("0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789abcdef), id)

	for _, s := range []string{"", "0123", "0123456789abcdeg", "0123456789abcdef00"} {
		_, err := ParseNetworkID(s)
		assert.Error(t, err, s)
	}
}

func TestLoadRoots(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roots.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
roots:
  - identity: "0102030405:00ff"
    endpoints:
      - "203.0.113.1:9993"
      - "[2001:db8::1]:9993"
  - identity: "a1b2c3d4e5:00ff"
`), 0644))

	entries, err := LoadRoots(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0102030405:00ff", entries[0].Identity)
	assert.Len(t, entries[0].Endpoints, 2)
	assert.Empty(t, entries[1].Endpoints)

	// A missing file is a rootless node, not an error.
	entries, err = LoadRoots(filepath.Join(dir, "absent.yml"))
	require.NoError(t, err)
	assert.Nil(t, entries)

	// A present but broken file is an error.
	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("roots:\n  - identity: \"x\"\n    endpoints: [\"not-addr\"]\n"), 0644))
	_, err = LoadRoots(bad)
	assert.Error(t, err)
}
