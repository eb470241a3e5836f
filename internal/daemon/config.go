package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"agentfs/internal/artifacts"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

// BackendNone disables the spill tier; the memory budget becomes a hard limit.
const BackendNone = "none"

// getConfigDir returns the config directory path.
// Uses AGENTFS_CONFIG_DIR env var if set, otherwise defaults to ~/.agentfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("AGENTFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the control socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), "daemon.sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the log file path.
// Uses AGENTFS_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("AGENTFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// DefaultSpillDir is where spill areas live unless engine.spill_dir is set.
func DefaultSpillDir() string {
	return filepath.Join(getConfigDir(), "spill")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default settings
// file if there is none.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// ByteSize is a size in bytes that reads human forms such as "64KiB" or "1 GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	if b == 0 {
		return 0, nil
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", ""), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// EngineSettings are fixed for the life of an engine instance.
type EngineSettings struct {
	MemoryBudget     ByteSize `yaml:"memory_budget"`
	SpillDir         string   `yaml:"spill_dir"`
	SpillBackend     string   `yaml:"spill_backend"`     // sqlite, bolt, none
	SpillCompression string   `yaml:"spill_compression"` // none, lz4, zstd
	SpillMaxBytes    ByteSize `yaml:"spill_max_bytes"`
	BlockSize        ByteSize `yaml:"block_size"`
	MaxHandles       int      `yaml:"max_handles"`
	MaxBranches      int      `yaml:"max_branches"`
	MaxSnapshots     int      `yaml:"max_snapshots"`
	CaseInsensitive  bool     `yaml:"case_insensitive"`
	VolumeLabel      string   `yaml:"volume_label"`
	EnableXattrs     bool     `yaml:"enable_xattrs"`
	EnableStreams    bool     `yaml:"enable_streams"`
	MaxXattrBytes    ByteSize `yaml:"max_xattr_bytes"`
	MaxStreamBytes   ByteSize `yaml:"max_stream_bytes"`
	MaxListResults   int      `yaml:"max_list_results"`
	DefaultUID       *uint32  `yaml:"default_uid,omitempty"` // nil means the daemon's uid
	DefaultGID       *uint32  `yaml:"default_gid,omitempty"`
}

// Settings represents the daemon settings file
type Settings struct {
	LogLevel         string         `yaml:"log_level"` // trace, debug, info, warn, off
	NFSListen        string         `yaml:"nfs_listen"`
	NFSIdentity      string         `yaml:"nfs_identity"`
	MetricsListen    string         `yaml:"metrics_listen"`
	MetricsInterval  time.Duration  `yaml:"metrics_interval"`
	AutoSnapshot     string         `yaml:"auto_snapshot"` // cron spec
	AutoSnapshotKeep int            `yaml:"auto_snapshot_keep"`
	SeedDir          string         `yaml:"seed_dir"`
	SeedGitignore    bool           `yaml:"seed_gitignore"`
	ReapInterval     time.Duration  `yaml:"reap_interval"`
	Engine           EngineSettings `yaml:"engine"`
}

// DefaultSettings parses the embedded default settings.
func DefaultSettings() *Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return &settings
}

// LoadSettings reads the settings file over the embedded defaults. Keys
// missing from the file keep their default. A missing file yields the
// defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath is LoadSettings for an explicit file.
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// SaveSettings writes settings to the settings file
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# AgentFS daemon settings\n# See: agentfs settings --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// Validate rejects settings the daemon cannot start with.
func (s *Settings) Validate() error {
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	if s.AutoSnapshot != "" {
		if _, err := cron.ParseStandard(s.AutoSnapshot); err != nil {
			return fmt.Errorf("invalid auto_snapshot %q: %w", s.AutoSnapshot, err)
		}
	}
	if s.AutoSnapshotKeep < 0 {
		return fmt.Errorf("auto_snapshot_keep must not be negative")
	}
	switch s.Engine.SpillBackend {
	case "", storage.BackendSQLite, storage.BackendBolt, BackendNone:
	default:
		return fmt.Errorf("unknown spill_backend %q", s.Engine.SpillBackend)
	}
	if _, err := storage.ParseCompression(s.Engine.SpillCompression); err != nil {
		return err
	}
	if s.Engine.BlockSize < 0 || s.Engine.MemoryBudget < 0 {
		return fmt.Errorf("block_size and memory_budget must not be negative")
	}
	if s.Engine.BlockSize > 0 && s.Engine.MemoryBudget > 0 && s.Engine.BlockSize > s.Engine.MemoryBudget {
		return fmt.Errorf("block_size %s exceeds memory_budget %s", s.Engine.BlockSize, s.Engine.MemoryBudget)
	}
	return nil
}

// ParseLogLevel maps a log_level value to a logrus level. "off" maps to
// PanicLevel; LoggingEnabled decides whether output is kept at all.
func ParseLogLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return log.PanicLevel, nil
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", level)
	}
}

// LoggingEnabled reports whether log_level turns logging on.
func (s *Settings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "off" && level != "none"
}

// SpillEnabled reports whether evicted blocks go to disk.
func (s *Settings) SpillEnabled() bool {
	return s.Engine.SpillBackend != BackendNone
}

// SpillOptions returns the spill configuration.
func (s *Settings) SpillOptions() (storage.SpillOptions, error) {
	c, err := storage.ParseCompression(s.Engine.SpillCompression)
	if err != nil {
		return storage.SpillOptions{}, err
	}
	dir := s.Engine.SpillDir
	if dir == "" {
		dir = DefaultSpillDir()
	}
	return storage.SpillOptions{
		Dir:         dir,
		Backend:     s.Engine.SpillBackend,
		Compression: c,
		MaxBytes:    int64(s.Engine.SpillMaxBytes),
	}, nil
}

// StoreOptions returns the data store configuration without its spill tier.
func (s *Settings) StoreOptions() storage.Options {
	return storage.Options{
		BlockSize:    int(s.Engine.BlockSize),
		MemoryBudget: int64(s.Engine.MemoryBudget),
	}
}

// FSOptions returns the dispatcher configuration.
func (s *Settings) FSOptions() vfs.Options {
	opts := vfs.Options{
		CaseInsensitive: s.Engine.CaseInsensitive,
		VolumeLabel:     s.Engine.VolumeLabel,
		EnableXattrs:    s.Engine.EnableXattrs,
		MaxXattrBytes:   int(s.Engine.MaxXattrBytes),
		EnableStreams:   s.Engine.EnableStreams,
		MaxStreamBytes:  int64(s.Engine.MaxStreamBytes),
		MaxHandles:      s.Engine.MaxHandles,
		MaxBranches:     s.Engine.MaxBranches,
		MaxSnapshots:    s.Engine.MaxSnapshots,
	}
	if s.Engine.DefaultUID != nil || s.Engine.DefaultGID != nil {
		policy := vfs.DefaultPolicy{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
		if s.Engine.DefaultUID != nil {
			policy.UID = *s.Engine.DefaultUID
		}
		if s.Engine.DefaultGID != nil {
			policy.GID = *s.Engine.DefaultGID
		}
		opts.Policy = policy
	}
	return opts
}
