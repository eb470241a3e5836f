// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon hosts one engine instance and its outer surfaces: the
// control socket, the NFS export, the metrics endpoint and scheduled
// snapshots.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"agentfs/internal/common"
	"agentfs/internal/control"
	"agentfs/internal/importer"
	"agentfs/internal/metrics"
	"agentfs/internal/netfs"
	"agentfs/internal/storage"
	"agentfs/internal/util"
	"agentfs/internal/vfs"
)

// maxLogSize is the size above which the log file is truncated at start.
const maxLogSize = 50 * 1024 * 1024

// seedIdentity performs the seed import. It is never bound, so the import
// lands on the default branch.
const seedIdentity = common.Identity("daemon:seed")

func init() {
	// Default logging to discard until explicitly enabled via log_level
	log.SetOutput(io.Discard)
}

// Daemon owns one engine instance for its lifetime.
type Daemon struct {
	Settings *Settings

	// SkipCleanup skips removal of state left by crashed daemons.
	// Used by tests that run daemons side by side.
	SkipCleanup bool
	// LogOutput overrides the log file, e.g. stderr in the foreground.
	LogOutput io.Writer

	lock    *flock.Flock
	logFile *os.File
	ready   chan struct{}

	store   *storage.Store
	fs      *vfs.FS
	metrics *metrics.Controller
	control *control.Server
	nfs     *netfs.Server
	nfsAddr net.Addr
	cron    *cron.Cron
}

// New creates a daemon. Nil settings means the embedded defaults.
func New(settings *Settings) *Daemon {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Daemon{Settings: settings, ready: make(chan struct{})}
}

// Ready is closed once every surface is serving.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// FS returns the engine. Valid after Ready.
func (d *Daemon) FS() *vfs.FS { return d.fs }

// NFSAddr returns the bound NFS address, or nil when NFS is disabled.
// Valid after Ready.
func (d *Daemon) NFSAddr() net.Addr { return d.nfsAddr }

// Run starts the daemon and blocks until ctx is done or a termination signal
// arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Settings.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	spillOpts, err := d.Settings.SpillOptions()
	if err != nil {
		return err
	}

	if !d.SkipCleanup {
		if result := CleanupStale(spillOpts.Dir); !result.Empty() {
			fmt.Fprintf(os.Stderr, "Startup cleanup: %s\n", FormatCleanupResult(result))
		}
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLog()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.watchParent(ctx, stop)

	if err := d.startEngine(ctx, spillOpts); err != nil {
		return err
	}
	defer d.stopEngine()
	log.Infof("[Daemon] started (PID %d)", os.Getpid())

	if err := d.seed(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if err := d.startSurfaces(gctx, g); err != nil {
		cancel()
		d.stopSurfaces()
		_ = g.Wait()
		return err
	}
	close(d.ready)

	<-gctx.Done()
	log.Infof("[Daemon] shutting down")
	d.stopSurfaces()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("[Daemon] stopped")
	return nil
}

func (d *Daemon) startEngine(ctx context.Context, spillOpts storage.SpillOptions) error {
	d.metrics = metrics.New()

	storeOpts := d.Settings.StoreOptions()
	storeOpts.Report = d.metrics.Invariant
	if d.Settings.SpillEnabled() {
		spill, err := storage.OpenSpill(ctx, spillOpts)
		if err != nil {
			return err
		}
		storeOpts.Spill = spill
	}
	store, err := storage.NewStore(storeOpts)
	if err != nil {
		if storeOpts.Spill != nil {
			storeOpts.Spill.Close()
		}
		return err
	}
	d.store = store

	fsOpts := d.Settings.FSOptions()
	fsOpts.Reporter = d.metrics
	d.fs = vfs.New(store, fsOpts)
	return nil
}

func (d *Daemon) stopEngine() {
	if d.fs != nil {
		d.fs.Shutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warnf("[Daemon] failed to close store: %v", err)
		}
	}
}

// seed imports seed_dir into the default branch.
func (d *Daemon) seed(ctx context.Context) error {
	if d.Settings.SeedDir == "" {
		return nil
	}
	filter := importer.BuildFilter(d.Settings.SeedDir, d.Settings.SeedGitignore, nil, nil)
	res, err := importer.Import(ctx, d.fs, seedIdentity, d.Settings.SeedDir, "", importer.Options{
		Filter:       filter,
		AllowPartial: true,
		Xattrs:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", d.Settings.SeedDir, err)
	}
	for _, s := range res.Skipped {
		log.Warnf("[Daemon] seed skipped %s", s)
	}
	return nil
}

func (d *Daemon) startSurfaces(ctx context.Context, g *errgroup.Group) error {
	gateway := control.NewGateway(d.fs, control.GatewayOptions{
		MaxListResults: d.Settings.Engine.MaxListResults,
		Recorder:       d.metrics,
	})
	d.control = control.NewServer(SocketPath(), gateway)
	if err := d.control.Start(ctx); err != nil {
		return err
	}

	interval := d.Settings.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	task := d.metrics.Task(interval, d.observe)
	g.Go(func() error { return task(ctx) })
	if addr := d.Settings.MetricsListen; addr != "" {
		g.Go(func() error { return d.metrics.Serve(ctx, addr) })
	}

	if addr := d.Settings.NFSListen; addr != "" {
		d.nfs = netfs.NewServer(d.fs, common.Identity(d.Settings.NFSIdentity))
		bound, err := d.nfs.Listen(addr)
		if err != nil {
			return err
		}
		d.nfsAddr = bound
		g.Go(d.nfs.Serve)
	}

	if spec := d.Settings.AutoSnapshot; spec != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(spec, func() { d.autoSnapshot(ctx) }); err != nil {
			return fmt.Errorf("invalid auto_snapshot %q: %w", spec, err)
		}
		d.cron.Start()
		log.Infof("[Daemon] auto snapshots on %q, keeping %d", spec, d.Settings.AutoSnapshotKeep)
	}

	reap := d.Settings.ReapInterval
	if reap > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(reap)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					reapExited(ctx, d.fs, util.IsProcessRunning)
				}
			}
		})
	}
	return nil
}

func (d *Daemon) stopSurfaces() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.nfs != nil {
		d.nfs.Shutdown()
	}
	if d.control != nil {
		d.control.Stop()
	}
}

func (d *Daemon) observe() metrics.Snapshot {
	st := d.fs.Stats()
	return metrics.Snapshot{
		Branches:      st.Manager.Branches,
		Snapshots:     st.Manager.Snapshots,
		OpenHandles:   st.Manager.OpenHandles,
		Nodes:         st.Nodes,
		Orphans:       st.Orphans,
		Blocks:        st.Store.Blocks,
		ResidentBytes: st.Store.ResidentBytes,
		MemoryBudget:  st.Store.MemoryBudget,
		SpillBytes:    st.Store.SpillBytes,
		Spills:        st.Store.Spills,
		PageIns:       st.Store.PageIns,
	}
}

// reapExited releases the handles and binding of every process identity
// whose process is gone.
func reapExited(ctx context.Context, fs *vfs.FS, alive func(pid int) bool) int {
	reaped := 0
	for _, who := range fs.Identities() {
		pid, ok := who.PIDOf()
		if !ok || alive(pid) {
			continue
		}
		fs.ProcessExited(ctx, who)
		reaped++
	}
	return reaped
}

// watchParent stops the daemon when the process named by
// AGENTFS_PARENT_PID exits, so test daemons do not outlive their runner.
func (d *Daemon) watchParent(ctx context.Context, stop context.CancelFunc) {
	ppid, err := strconv.Atoi(os.Getenv("AGENTFS_PARENT_PID"))
	if err != nil || ppid <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !util.IsProcessRunning(ppid) {
					log.Infof("[Daemon] parent process %d died, shutting down", ppid)
					stop()
					return
				}
			}
		}
	}()
}

func (d *Daemon) setupLogging() error {
	if !d.Settings.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return nil
	}
	level, err := ParseLogLevel(d.Settings.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if d.LogOutput != nil {
		log.SetOutput(d.LogOutput)
		return nil
	}
	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
	}
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsDaemonRunning reports whether a daemon answers on the control socket.
func IsDaemonRunning() bool {
	conn, err := net.DialTimeout("unix", SocketPath(), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// truncateLogFile keeps the last half of the log once it exceeds maxSize.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}
	start := len(data) - len(data)/2
	// resume at a line boundary
	if i := strings.IndexByte(string(data[start:]), '\n'); i >= 0 {
		start += i + 1
	}
	kept := data[start:]
	header := fmt.Appendf(nil, "--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept))
	return os.WriteFile(logPath, append(header, kept...), 0600)
}
