package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client is a control socket client. It is safe for concurrent use; calls
// are serialized on the single connection.
type Client struct {
	conn net.Conn
	enc  Encoder
	dec  Decoder
	mu   sync.Mutex
}

// Dial connects to the control socket at path using codec (JSON if nil).
func Dial(ctx context.Context, path string, codec Codec) (*Client, error) {
	if codec == nil {
		codec = JSON
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if codec == CBOR {
		if _, err := conn.Write([]byte{PreambleCBOR}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &Client{conn: conn, enc: codec.NewEncoder(conn), dec: codec.NewDecoder(conn)}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends a request and returns the raw response. The version is filled in
// when empty. Engine errors are returned in the response, not as err.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Version == "" {
		req.Version = Version
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.enc.Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// call is Do with the engine error folded into err.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, fmt.Errorf("%s failed without an error", req.Op)
		}
		return nil, resp.Error.Err()
	}
	return resp, nil
}

// CreateSnapshot snapshots a branch; 0 means the caller's branch.
func (c *Client) CreateSnapshot(ctx context.Context, branchID uint64, name string) (uint64, time.Time, error) {
	resp, err := c.call(ctx, &Request{Op: OpSnapshotCreate, BranchID: branchID, Name: name})
	if err != nil {
		return 0, time.Time{}, err
	}
	return resp.ID, resp.CreatedAt, nil
}

// ListSnapshots returns up to limit snapshots with ids greater than after.
func (c *Client) ListSnapshots(ctx context.Context, after uint64, limit int) ([]SnapshotEntry, error) {
	resp, err := c.call(ctx, &Request{Op: OpSnapshotList, After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// DeleteSnapshot drops a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, id uint64) error {
	_, err := c.call(ctx, &Request{Op: OpSnapshotDelete, ID: id})
	return err
}

// CreateBranch creates a branch from a snapshot id, or from the caller's live
// branch when snapshotID is 0.
func (c *Client) CreateBranch(ctx context.Context, snapshotID uint64, name string) (uint64, error) {
	src := SourceCurrent
	if snapshotID != 0 {
		src = strconv.FormatUint(snapshotID, 10)
	}
	resp, err := c.call(ctx, &Request{Op: OpBranchCreate, Source: src, Name: name})
	if err != nil {
		return 0, err
	}
	return resp.BranchID, nil
}

// Bind routes pid (0 means the caller) to a branch.
func (c *Client) Bind(ctx context.Context, branchID uint64, pid int) error {
	_, err := c.call(ctx, &Request{Op: OpBranchBind, BranchID: branchID, PID: pid})
	return err
}

// Unbind routes pid (0 means the caller) back to the default branch.
func (c *Client) Unbind(ctx context.Context, pid int) error {
	_, err := c.call(ctx, &Request{Op: OpBranchUnbind, PID: pid})
	return err
}

// ListBranches returns every branch.
func (c *Client) ListBranches(ctx context.Context) ([]BranchEntry, error) {
	resp, err := c.call(ctx, &Request{Op: OpBranchList})
	if err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// DeleteBranch tears a branch down.
func (c *Client) DeleteBranch(ctx context.Context, branchID uint64) error {
	_, err := c.call(ctx, &Request{Op: OpBranchDelete, BranchID: branchID})
	return err
}

// Stats returns the engine counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	resp, err := c.call(ctx, &Request{Op: OpStats})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}
