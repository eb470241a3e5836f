package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

var who = common.PID(1)

func newFS(t *testing.T) *vfs.FS {
	t.Helper()
	store, err := storage.NewStore(storage.Options{BlockSize: 512})
	require.NoError(t, err)
	fs := vfs.New(store, vfs.DefaultOptions())
	t.Cleanup(func() {
		fs.Shutdown()
		store.Close()
	})
	return fs
}

func writeHost(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}
}

func readEngine(t *testing.T, fs *vfs.FS, path string) string {
	t.Helper()
	ctx := context.Background()
	id, err := fs.Open(ctx, who, path, vfs.OpenOptions{Read: true})
	require.NoError(t, err)
	defer fs.Close(ctx, id)
	attrs, err := fs.Fgetattr(ctx, id)
	require.NoError(t, err)
	buf := make([]byte, attrs.Size)
	_, err = fs.ReadAt(ctx, id, buf, 0)
	require.NoError(t, err)
	return string(buf)
}

func exists(fs *vfs.FS, path string) bool {
	_, err := fs.Getattr(context.Background(), who, path)
	return err == nil
}

func TestImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := t.TempDir()
	big := strings.Repeat("0123456789", 300_000)
	writeHost(t, src, map[string]string{
		"README.md":         "# project",
		"src/main.go":       "package main",
		"src/pkg/util.go":   "package pkg",
		"assets/blob.bin":   big,
		"empty/.keep":       "",
		".git/HEAD":         "ref: refs/heads/main",
	})
	require.NoError(t, os.Symlink("src/main.go", filepath.Join(src, "link")))
	old := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "README.md"), old, old))

	fs := newFS(t)
	res, err := Import(ctx, fs, who, src, "", Options{Filter: BuildFilter(src, false, nil, nil), Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Files)
	assert.Equal(t, 1, res.Symlinks)
	assert.Equal(t, 4, res.Dirs)
	assert.Equal(t, int64(len(big)+len("# project")+len("package main")+len("package pkg")), res.Bytes)

	assert.Equal(t, "package pkg", readEngine(t, fs, "src/pkg/util.go"))
	assert.Equal(t, big, readEngine(t, fs, "assets/blob.bin"))
	assert.False(t, exists(fs, ".git"), ".git never enters a branch")

	target, err := fs.Readlink(ctx, who, "link")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", target)

	attrs, err := fs.Getattr(ctx, who, "README.md")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o640), attrs.Mode)
	assert.True(t, attrs.Mtime.Equal(old), "host mtime is preserved")
}

func TestImportIntoSubdirectory(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeHost(t, src, map[string]string{"a.txt": "a"})
	fs := newFS(t)

	_, err := Import(context.Background(), fs, who, src, "seed/v1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", readEngine(t, fs, "seed/v1/a.txt"))

	// importing again overwrites in place
	writeHost(t, src, map[string]string{"a.txt": "again"})
	_, err = Import(context.Background(), fs, who, src, "seed/v1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "again", readEngine(t, fs, "seed/v1/a.txt"))
}

func TestImportSkipHidden(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeHost(t, src, map[string]string{".env": "secret", ".cache/x": "x", "visible": "v"})
	fs := newFS(t)

	res, err := Import(context.Background(), fs, who, src, "", Options{SkipHidden: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.False(t, exists(fs, ".env"))
	assert.False(t, exists(fs, ".cache"))
}

func TestImportCancelled(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeHost(t, src, map[string]string{"a": "a", "b": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Import(ctx, newFS(t), who, src, "", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportMissingSource(t *testing.T) {
	t.Parallel()
	_, err := Import(context.Background(), newFS(t), who, filepath.Join(t.TempDir(), "nope"), "", Options{})
	assert.Error(t, err)
}
