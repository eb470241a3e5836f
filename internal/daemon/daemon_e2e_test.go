package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"agentfs/internal/branch"
	"agentfs/internal/common"
	"agentfs/internal/control"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

func writeSeed(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// startDaemon runs a daemon in the background and waits until it serves.
func startDaemon(t *testing.T, g *WithT, settings *Settings) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	d := New(settings)
	d.SkipCleanup = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	g.Eventually(d.Ready(), 10*time.Second).Should(BeClosed())
	return d, cancel, done
}

func TestDaemonEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}
	g := NewWithT(t)
	t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())

	seed := writeSeed(t, map[string]string{
		".gitignore":    "build/\n",
		"README.md":     "# project\n",
		"src/main.go":   "package main\n",
		"build/out.bin": "binary",
	})
	settings := DefaultSettings()
	settings.Engine.SpillBackend = storage.BackendBolt
	settings.NFSListen = "127.0.0.1:0"
	settings.SeedDir = seed

	d, cancel, done := startDaemon(t, g, settings)
	defer cancel()

	g.Expect(IsDaemonRunning()).To(BeTrue())
	pid, err := GetPID()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pid).To(Equal(os.Getpid()))
	g.Expect(d.NFSAddr()).NotTo(BeNil())

	ctx := context.Background()
	fs := d.FS()

	// the seed landed on the default branch without the ignored build output
	_, err = fs.Getattr(ctx, common.Anonymous, "src/main.go")
	g.Expect(err).NotTo(HaveOccurred())
	_, err = fs.Getattr(ctx, common.Anonymous, "build")
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())

	client, err := control.Dial(ctx, SocketPath(), control.CBOR)
	g.Expect(err).NotTo(HaveOccurred())
	defer client.Close()

	snapID, createdAt, err := client.CreateSnapshot(ctx, uint64(branch.DefaultBranchID), "seeded")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(createdAt).To(BeTemporally("~", time.Now(), time.Minute))

	branchID, err := client.CreateBranch(ctx, snapID, "agent-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(client.Bind(ctx, branchID, os.Getpid())).To(Succeed())

	// this process now works on the new branch
	agent := common.PID(os.Getpid())
	id, err := fs.Create(ctx, agent, "agent.txt", 0o644)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = fs.Write(ctx, id, []byte("from the agent"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(fs.Close(ctx, id)).To(Succeed())

	_, err = fs.Getattr(ctx, agent, "agent.txt")
	g.Expect(err).NotTo(HaveOccurred())
	_, err = fs.Getattr(ctx, common.Anonymous, "agent.txt")
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())

	stats, err := client.Stats(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Branches).To(Equal(2))
	g.Expect(stats.Snapshots).To(Equal(1))
	g.Expect(stats.Bindings).To(Equal(1))

	snaps, err := client.ListSnapshots(ctx, 0, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(snaps).To(HaveLen(1))
	g.Expect(snaps[0].Name).To(Equal("seeded"))

	g.Expect(client.Unbind(ctx, os.Getpid())).To(Succeed())
	g.Expect(client.DeleteBranch(ctx, branchID)).To(Succeed())
	branches, err := client.ListBranches(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(branches).To(HaveLen(1))
	g.Expect(branches[0].Name).To(Equal(branch.DefaultBranchName))

	err = client.DeleteBranch(ctx, uint64(branch.DefaultBranchID))
	g.Expect(errors.Is(err, common.ErrInvalidArgument)).To(BeTrue())

	cancel()
	g.Eventually(done, 10*time.Second).Should(Receive(BeNil()))
	g.Expect(SocketPath()).NotTo(BeAnExistingFile())
	g.Expect(PidPath()).NotTo(BeAnExistingFile())
	g.Expect(IsDaemonRunning()).To(BeFalse())
}

func TestDaemonSingleInstance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}
	g := NewWithT(t)
	t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())

	settings := DefaultSettings()
	settings.Engine.SpillBackend = BackendNone
	_, cancel, done := startDaemon(t, g, settings)
	defer cancel()

	second := New(settings)
	second.SkipCleanup = true
	err := second.Run(context.Background())
	g.Expect(err).To(MatchError(ContainSubstring("already running")))

	cancel()
	g.Eventually(done, 10*time.Second).Should(Receive(BeNil()))
}

// An identity bound through the manager is served by its branch, the way
// the NFS export is moved between branches.
func TestDaemonBoundIdentity(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}
	g := NewWithT(t)
	t.Setenv("AGENTFS_CONFIG_DIR", t.TempDir())

	settings := DefaultSettings()
	settings.Engine.SpillBackend = BackendNone
	settings.NFSIdentity = "nfs:export"
	d, cancel, done := startDaemon(t, g, settings)
	defer cancel()
	g.Expect(d.NFSAddr()).To(BeNil())

	ctx := context.Background()
	fs := d.FS()
	mgr := fs.Manager()
	info, err := mgr.CreateBranch(ctx, branch.Source{Current: true, Branch: branch.DefaultBranchID}, "exported")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(mgr.Bind(info.ID, "nfs:export")).To(Succeed())
	g.Expect(fs.Branch("nfs:export")).To(Equal(info.ID))

	_, err = fs.Mkdir(ctx, "nfs:export", "only-on-export", 0o755)
	g.Expect(err).NotTo(HaveOccurred())
	attrs, err := fs.Getattr(ctx, "nfs:export", "only-on-export")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(attrs.Type).To(Equal(vfs.FileTypeDirectory))
	_, err = fs.Getattr(ctx, common.Anonymous, "only-on-export")
	g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue())

	cancel()
	g.Eventually(done, 10*time.Second).Should(Receive(BeNil()))
}
