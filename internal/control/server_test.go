package control

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
)

func startServer(t *testing.T) (*Server, *Gateway) {
	t.Helper()
	g, _, _ := testGateway(t, 0)
	srv := NewServer(filepath.Join(t.TempDir(), "control.sock"), g)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv, g
}

func TestServerRoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			srv, g := startServer(t)

			info, err := os.Stat(srv.Path())
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			c, err := Dial(ctx, srv.Path(), codec)
			require.NoError(t, err)
			defer c.Close()

			id, created, err := c.CreateSnapshot(ctx, 0, "first")
			require.NoError(t, err)
			assert.NotZero(t, id)
			assert.WithinDuration(t, time.Now(), created, time.Minute)

			snaps, err := c.ListSnapshots(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, snaps, 1)
			assert.Equal(t, "first", snaps[0].Name)
			assert.True(t, snaps[0].CreatedAt.Equal(created))

			_, _, err = c.CreateSnapshot(ctx, 0, "first")
			assert.ErrorIs(t, err, common.ErrExists)

			branchID, err := c.CreateBranch(ctx, id, "work")
			require.NoError(t, err)
			require.NoError(t, c.Bind(ctx, branchID, 0))
			if runtime.GOOS == "linux" {
				assert.Equal(t, branchID, uint64(g.fs.Branch(common.PID(os.Getpid()))),
					"calls without a pid act for the peer process")
			}
			require.NoError(t, c.Unbind(ctx, 0))

			branches, err := c.ListBranches(ctx)
			require.NoError(t, err)
			assert.Len(t, branches, 2)
			require.NoError(t, c.DeleteBranch(ctx, branchID))
			assert.ErrorIs(t, c.DeleteBranch(ctx, branchID), common.ErrNotFound)
			require.NoError(t, c.DeleteSnapshot(ctx, id))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Branches)
			assert.Zero(t, stats.Snapshots)

			resp, err := c.Do(ctx, &Request{Version: "9", Op: OpStats})
			require.NoError(t, err)
			assert.Equal(t, common.CodeVersionMismatch, resp.Error.Code)
		})
	}
}

func TestServerMalformedRequest(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{\"version\": \"1\", \"op\": 12}\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, JSON.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, common.CodeInvalidArgument, resp.Error.Code)
}

func TestServerOversizeRequest(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)

	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	defer conn.Close()
	payload := `{"version": "1", "op": "snapshot.create", "name": "` + strings.Repeat("a", 2*MaxRequestBytes) + `"}` + "\n"
	// the server stops reading partway, so the write may fail
	go func() { _, _ = conn.Write([]byte(payload)) }()

	var resp Response
	require.NoError(t, JSON.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, common.CodeInvalidArgument, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "exceeds")
}

func TestServerStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _, _ := testGateway(t, 0)
	srv := NewServer(filepath.Join(t.TempDir(), "control.sock"), g)
	require.NoError(t, srv.Start(ctx))

	c, err := Dial(ctx, srv.Path(), nil)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Stats(ctx)
	require.NoError(t, err)

	srv.Stop()
	_, err = os.Stat(srv.Path())
	assert.True(t, os.IsNotExist(err), "the socket file is removed")
	_, err = c.Stats(ctx)
	assert.Error(t, err, "open connections are closed")
	_, err = Dial(ctx, srv.Path(), nil)
	assert.Error(t, err)
}

func TestCodecParity(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	want := Response{
		Version:   Version,
		OK:        true,
		ID:        7,
		CreatedAt: at,
		Snapshots: []SnapshotEntry{{ID: 7, Name: "n", CreatedAt: at, BranchID: 1}},
		Stats:     &Stats{Branches: 2, ResidentBytes: 1 << 40},
	}

	for _, codec := range []Codec{JSON, CBOR} {
		var buf bytes.Buffer
		require.NoError(t, codec.NewEncoder(&buf).Encode(&want), codec.Name())
		var got Response
		require.NoError(t, codec.NewDecoder(&buf).Decode(&got), codec.Name())
		assert.True(t, got.CreatedAt.Equal(at), codec.Name())
		got.CreatedAt, got.Snapshots[0].CreatedAt = at, at
		assert.Equal(t, want, got, codec.Name())
	}

	assert.Equal(t, JSON, CodecByName(""))
	assert.Equal(t, CBOR, CodecByName("cbor"))
	assert.Nil(t, CodecByName("xml"))
}
