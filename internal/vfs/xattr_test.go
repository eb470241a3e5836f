package vfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

func TestXattrs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := DefaultOptions()
	opts.MaxXattrBytes = 64
	fs := testFS(t, opts, storage.Options{})
	writeFile(t, fs, alice, "f", "")

	_, err := fs.GetXattr(ctx, alice, "f", "user.tag")
	assert.Equal(t, ENOATTR, XattrErrno(err))

	require.NoError(t, fs.SetXattr(ctx, alice, "f", "user.tag", []byte("v1"), 0))
	assert.ErrorIs(t, fs.SetXattr(ctx, alice, "f", "user.tag", []byte("v2"), XattrCreate), common.ErrExists)
	assert.ErrorIs(t, fs.SetXattr(ctx, alice, "f", "user.other", []byte("x"), XattrReplace), common.ErrNotFound)
	require.NoError(t, fs.SetXattr(ctx, alice, "f", "user.tag", []byte("v2"), XattrReplace))
	require.NoError(t, fs.SetXattr(ctx, alice, "f", "user.a", nil, XattrCreate))

	v, err := fs.GetXattr(ctx, alice, "f", "user.tag")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	v[0] = 'X'
	v, _ = fs.GetXattr(ctx, alice, "f", "user.tag")
	assert.Equal(t, "v2", string(v), "callers get a private copy")

	names, err := fs.ListXattr(ctx, alice, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"user.a", "user.tag"}, names)

	assert.ErrorIs(t, fs.SetXattr(ctx, alice, "f", "user.big", bytes.Repeat([]byte("b"), 64), 0), common.ErrOutOfSpace)
	assert.ErrorIs(t, fs.SetXattr(ctx, alice, "f", "", nil, 0), common.ErrInvalidArgument)

	require.NoError(t, fs.RemoveXattr(ctx, alice, "f", "user.tag"))
	assert.Equal(t, ENOATTR, XattrErrno(fs.RemoveXattr(ctx, alice, "f", "user.tag")))
	_, err = fs.GetXattr(ctx, alice, "missing", "user.tag")
	assert.Equal(t, ENOENT, XattrErrno(err))

	t.Run("snapshots keep old values", func(t *testing.T) {
		require.NoError(t, fs.SetXattr(ctx, alice, "f", "user.v", []byte("old"), 0))
		s, err := fs.Manager().CreateSnapshot(ctx, fs.Branch(alice), "")
		require.NoError(t, err)
		require.NoError(t, fs.SetXattr(ctx, alice, "f", "user.v", []byte("new"), 0))
		v, err := fs.Manager().SnapshotVersion(s.ID)
		require.NoError(t, err)
		defer v.Release()
		n, err := v.Resolve("f")
		require.NoError(t, err)
		assert.Equal(t, "old", string(n.Xattrs["user.v"]))
	})
}

func TestXattrsDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := DefaultOptions()
	opts.EnableXattrs = false
	opts.EnableStreams = false
	fs := testFS(t, opts, storage.Options{})
	writeFile(t, fs, alice, "f", "")

	_, err := fs.GetXattr(ctx, alice, "f", "user.x")
	assert.Equal(t, ENOTSUP, XattrErrno(err))
	assert.ErrorIs(t, fs.SetXattr(ctx, alice, "f", "user.x", nil, 0), common.ErrUnsupported)
	_, err = fs.ListStreams(ctx, alice, "f")
	assert.ErrorIs(t, err, common.ErrUnsupported)
	_, err = fs.Open(ctx, alice, "f", OpenOptions{Stream: "meta"})
	assert.ErrorIs(t, err, common.ErrUnsupported)
}

func TestNamedStreams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := DefaultOptions()
	opts.MaxStreamBytes = 32
	fs := testFS(t, opts, storage.Options{})
	writeFile(t, fs, alice, "f", "main data")

	_, err := fs.Open(ctx, alice, "f", OpenOptions{Read: true, Stream: "meta"})
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = fs.Open(ctx, alice, "f", OpenOptions{Stream: "a:b", Create: true})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	h, err := fs.Open(ctx, alice, "f", OpenOptions{Write: true, Create: true, Stream: "meta"})
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("side"))
	require.NoError(t, err)
	_, err = fs.WriteAt(ctx, h, []byte("x"), 32)
	assert.ErrorIs(t, err, common.ErrOutOfSpace)
	assert.ErrorIs(t, fs.Ftruncate(ctx, h, 33), common.ErrOutOfSpace)
	attrs, err := fs.Fgetattr(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(4), attrs.Size, "stream handles report the stream size")
	assert.Equal(t, 1, attrs.Streams)

	_, err = fs.Open(ctx, alice, "f", OpenOptions{Write: true, Create: true, Exclusive: true, Stream: "meta"})
	assert.ErrorIs(t, err, common.ErrExists)

	assert.Equal(t, "main data", readFile(t, fs, alice, "f"), "the unnamed stream is untouched")
	streams, err := fs.ListStreams(ctx, alice, "f")
	require.NoError(t, err)
	assert.Equal(t, []StreamInfo{{Name: "meta", Size: 4}}, streams)

	assert.ErrorIs(t, fs.RemoveStream(ctx, alice, "f", "meta"), common.ErrSharingViolation)
	require.NoError(t, fs.Close(ctx, h))
	require.NoError(t, fs.RemoveStream(ctx, alice, "f", "meta"))
	assert.ErrorIs(t, fs.RemoveStream(ctx, alice, "f", "meta"), common.ErrNotFound)

	_, err = fs.Open(ctx, alice, "", OpenOptions{Stream: "meta", Create: true})
	assert.ErrorIs(t, err, common.ErrIsDir)
}
