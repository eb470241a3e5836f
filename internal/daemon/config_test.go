package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("AGENTFS_CONFIG_DIR", "")
		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".agentfs"), "should end with .agentfs")
	})

	t.Run("override with AGENTFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("AGENTFS_CONFIG_DIR", "/tmp/test-agentfs-config")
		assert.Equal(t, "/tmp/test-agentfs-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("AGENTFS_CONFIG_DIR", tmpDir)
	t.Setenv("AGENTFS_DAEMON_LOG", "")

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SocketPath", SocketPath, "daemon.sock"},
		{"PidPath", PidPath, "daemon.pid"},
		{"LogPath", LogPath, "daemon.log"},
		{"LockPath", LockPath, "daemon.lock"},
		{"SettingsPath", SettingsPath, "settings.yaml"},
		{"DefaultSpillDir", DefaultSpillDir, "spill"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.Join(tmpDir, tt.want), tt.fn())
		})
	}

	t.Run("LogPath override", func(t *testing.T) {
		t.Setenv("AGENTFS_DAEMON_LOG", "/tmp/custom.log")
		assert.Equal(t, "/tmp/custom.log", LogPath())
	})
}

func TestDefaultSettings(t *testing.T) {
	t.Parallel()
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "off", s.LogLevel)
	assert.False(t, s.LoggingEnabled())
	assert.Empty(t, s.NFSListen)
	assert.Equal(t, "nfs", s.NFSIdentity)
	assert.Equal(t, 10*time.Second, s.MetricsInterval)
	assert.Equal(t, 5*time.Second, s.ReapInterval)
	assert.True(t, s.SeedGitignore)

	e := s.Engine
	assert.Equal(t, ByteSize(1<<30), e.MemoryBudget)
	assert.Equal(t, ByteSize(64<<10), e.BlockSize)
	assert.Equal(t, storage.BackendSQLite, e.SpillBackend)
	assert.Equal(t, "lz4", e.SpillCompression)
	assert.Zero(t, e.SpillMaxBytes)
	assert.Equal(t, 10000, e.MaxHandles)
	assert.Equal(t, 1000, e.MaxBranches)
	assert.Equal(t, 10000, e.MaxSnapshots)
	assert.Equal(t, vfs.DefaultVolumeLabel, e.VolumeLabel)
	assert.True(t, e.EnableXattrs)
	assert.True(t, e.EnableStreams)
	assert.Equal(t, ByteSize(vfs.DefaultMaxXattrBytes), e.MaxXattrBytes)
	assert.Equal(t, ByteSize(vfs.DefaultMaxStreamBytes), e.MaxStreamBytes)
	assert.Equal(t, 1000, e.MaxListResults)
	assert.Nil(t, e.DefaultUID)
}

func TestLoadSettings(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())
		s, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, DefaultSettings(), s)
	})

	t.Run("file overrides only the keys it sets", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
auto_snapshot: "@every 1h"
engine:
  memory_budget: 256 MiB
  spill_backend: bolt
  default_uid: 501
`), 0600))

		s, err := LoadSettingsFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", s.LogLevel)
		assert.True(t, s.LoggingEnabled())
		assert.Equal(t, "@every 1h", s.AutoSnapshot)
		assert.Equal(t, ByteSize(256<<20), s.Engine.MemoryBudget)
		assert.Equal(t, storage.BackendBolt, s.Engine.SpillBackend)
		require.NotNil(t, s.Engine.DefaultUID)
		assert.Equal(t, uint32(501), *s.Engine.DefaultUID)
		// untouched keys keep their defaults
		assert.Equal(t, ByteSize(64<<10), s.Engine.BlockSize)
		assert.Equal(t, 10000, s.Engine.MaxHandles)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		for name, body := range map[string]string{
			"log level":   "log_level: loud\n",
			"cron spec":   "auto_snapshot: every now and then\n",
			"backend":     "engine:\n  spill_backend: tape\n",
			"compression": "engine:\n  spill_compression: rar\n",
			"size":        "engine:\n  block_size: lots\n",
			"block size":  "engine:\n  block_size: 2GiB\n",
		} {
			t.Run(name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "settings.yaml")
				require.NoError(t, os.WriteFile(path, []byte(body), 0600))
				_, err := LoadSettingsFromPath(path)
				assert.Error(t, err)
			})
		}
	})
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())

	s := DefaultSettings()
	s.NFSListen = "127.0.0.1:2049"
	s.Engine.BlockSize = 4096
	s.Engine.SpillMaxBytes = 10 << 30
	require.NoError(t, SaveSettings(s))

	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# AgentFS daemon settings"))

	loaded, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestInitConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "config")
	t.Setenv("AGENTFS_CONFIG_DIR", dir)

	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)

	var s Settings
	require.NoError(t, yaml.Unmarshal(data, &s))
	assert.Equal(t, "off", s.LogLevel)

	// an existing file is kept
	require.NoError(t, os.WriteFile(SettingsPath(), []byte("log_level: info\n"), 0600))
	require.NoError(t, InitConfigDir())
	s2, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "info", s2.LogLevel)
}

func TestByteSize(t *testing.T) {
	t.Parallel()
	var v struct {
		A ByteSize `yaml:"a"`
		B ByteSize `yaml:"b"`
		C ByteSize `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 64KiB\nb: 1 GB\nc: 1234\n"), &v))
	assert.Equal(t, ByteSize(64<<10), v.A)
	assert.Equal(t, ByteSize(1_000_000_000), v.B)
	assert.Equal(t, ByteSize(1234), v.C)
	assert.Equal(t, "64 KiB", v.A.String())
}

func TestSettingsOptions(t *testing.T) {
	t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())

	s := DefaultSettings()
	s.Engine.SpillCompression = "zstd"
	s.Engine.CaseInsensitive = true
	gid := uint32(20)
	s.Engine.DefaultGID = &gid

	spill, err := s.SpillOptions()
	require.NoError(t, err)
	assert.Equal(t, DefaultSpillDir(), spill.Dir)
	assert.Equal(t, storage.CompressionZstd, spill.Compression)
	assert.True(t, s.SpillEnabled())

	store := s.StoreOptions()
	assert.Equal(t, 64<<10, store.BlockSize)
	assert.Equal(t, int64(1<<30), store.MemoryBudget)
	assert.Nil(t, store.Spill)

	fsOpts := s.FSOptions()
	assert.True(t, fsOpts.CaseInsensitive)
	assert.Equal(t, 10000, fsOpts.MaxHandles)
	policy, ok := fsOpts.Policy.(vfs.DefaultPolicy)
	require.True(t, ok)
	assert.Equal(t, uint32(20), policy.GID)
	assert.Equal(t, uint32(os.Getuid()), policy.UID)

	s.Engine.SpillBackend = BackendNone
	assert.False(t, s.SpillEnabled())
}
