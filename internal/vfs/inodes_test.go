package vfs

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
)

func TestInodeAddressedNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)

	root, err := fs.GetattrIno(ctx, alice, RootIno)
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	dir, err := fs.CreateChild(ctx, alice, RootIno, "src", NewEntry{Type: FileTypeDirectory})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o755), dir.Mode)

	file, err := fs.CreateChild(ctx, alice, dir.Ino, "main.go", NewEntry{Type: FileTypeRegularFile, Mode: 0o600})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), file.Mode)
	link, err := fs.CreateChild(ctx, alice, dir.Ino, "latest", NewEntry{Type: FileTypeSymlink, Target: "main.go"})
	require.NoError(t, err)

	// inode and path views agree
	byPath, err := fs.Getattr(ctx, alice, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, file.Ino, byPath.Ino)
	target, err := fs.Readlink(ctx, alice, "src/latest")
	require.NoError(t, err)
	assert.Equal(t, "main.go", target)

	got, err := fs.LookupChild(ctx, alice, dir.Ino, "latest")
	require.NoError(t, err)
	assert.Equal(t, link.Ino, got.Ino)
	assert.Equal(t, FileTypeSymlink, got.Type)

	t.Run("errors", func(t *testing.T) {
		_, err := fs.LookupChild(ctx, alice, dir.Ino, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = fs.LookupChild(ctx, alice, file.Ino, "x")
		assert.ErrorIs(t, err, common.ErrNotDir)
		_, err = fs.LookupChild(ctx, alice, dir.Ino, "..")
		assert.ErrorIs(t, err, common.ErrInvalidPath)
		_, err = fs.CreateChild(ctx, alice, dir.Ino, "main.go", NewEntry{Type: FileTypeRegularFile})
		assert.ErrorIs(t, err, common.ErrExists)
		_, err = fs.CreateChild(ctx, alice, dir.Ino, "bad", NewEntry{Type: FileType(42)})
		assert.ErrorIs(t, err, common.ErrInvalidArgument)
		_, err = fs.GetattrIno(ctx, alice, 9999)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestOpenIno(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	writeFile(t, fs, alice, "notes.txt", "hello")
	attrs, err := fs.Getattr(ctx, alice, "notes.txt")
	require.NoError(t, err)

	h, err := fs.OpenIno(ctx, alice, attrs.Ino, OpenOptions{Read: true, Write: true})
	require.NoError(t, err)
	_, err = fs.WriteAt(ctx, h, []byte("J"), 0)
	require.NoError(t, err)
	assert.Equal(t, "Jello", readFile(t, fs, alice, "notes.txt"))

	// the unlinked node stays reachable by inode while h keeps it open
	require.NoError(t, fs.Unlink(ctx, alice, "notes.txt"))
	h2, err := fs.OpenIno(ctx, alice, attrs.Ino, OpenOptions{Read: true})
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = fs.ReadAt(ctx, h2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "Jello", string(buf))
	require.NoError(t, fs.Close(ctx, h2))
	require.NoError(t, fs.Close(ctx, h))

	_, err = fs.OpenIno(ctx, alice, attrs.Ino, OpenOptions{Read: true})
	assert.ErrorIs(t, err, common.ErrNotFound, "reclaimed after the last close")
	_, err = fs.OpenIno(ctx, alice, RootIno, OpenOptions{Write: true, Create: true})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = fs.OpenIno(ctx, alice, RootIno, OpenOptions{Write: true})
	assert.ErrorIs(t, err, common.ErrIsDir)
}

func TestReadDirPlus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	writeFile(t, fs, alice, "a", "1")
	writeFile(t, fs, alice, "b", "22")
	_, err := fs.Mkdir(ctx, alice, "c", 0)
	require.NoError(t, err)

	h, err := fs.OpenIno(ctx, alice, RootIno, OpenOptions{Directory: true})
	require.NoError(t, err)
	defer fs.Close(ctx, h)

	var all []DirEntryPlus
	for {
		page, err := fs.ReadDirPlus(ctx, h, 2)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		all = append(all, page...)
	}
	require.Len(t, all, 3)
	sizes := map[string]int64{}
	for _, e := range all {
		assert.Equal(t, e.Ino, e.Attrs.Ino)
		assert.Equal(t, e.Type, e.Attrs.Type)
		sizes[e.Name] = e.Attrs.Size
	}
	assert.Equal(t, int64(1), sizes["a"])
	assert.Equal(t, int64(2), sizes["b"])
	assert.True(t, all[2].Attrs.IsDir())

	f, err := fs.OpenIno(ctx, alice, all[0].Ino, OpenOptions{Read: true})
	require.NoError(t, err)
	defer fs.Close(ctx, f)
	_, err = fs.ReadDirPlus(ctx, f, 0)
	assert.ErrorIs(t, err, common.ErrNotDir)
}
