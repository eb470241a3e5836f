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

package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentfs/internal/common"
)

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"eof", io.EOF, 0},
		{"not found", fmt.Errorf("a/b: %w", common.ErrNotFound), syscall.ENOENT},
		{"exists", common.ErrExists, syscall.EEXIST},
		{"not dir", common.ErrNotDir, syscall.ENOTDIR},
		{"is dir", common.ErrIsDir, syscall.EISDIR},
		{"not empty", common.ErrNotEmpty, syscall.ENOTEMPTY},
		{"sharing violation", common.ErrSharingViolation, syscall.EBUSY},
		{"lock conflict", common.ErrConflict, syscall.EAGAIN},
		{"invalid path", common.ErrInvalidPath, syscall.EINVAL},
		{"out of space", common.ErrOutOfSpace, syscall.ENOSPC},
		{"unsupported", common.ErrUnsupported, syscall.ENOTSUP},
		{"stale handle", common.ErrStaleHandle, syscall.EBADF},
		{"version mismatch", common.ErrVersionMismatch, syscall.EINVAL},
		{"invariant", common.Invariant("broken %d", 1), syscall.EIO},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), syscall.EINTR},
		{"deadline", context.DeadlineExceeded, syscall.EINTR},
		{"raw errno", fmt.Errorf("wrapped: %w", syscall.EACCES), syscall.EACCES},
		{"unknown", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestXattrErrno(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ENOATTR, XattrErrno(fmt.Errorf("user.x: %w", errNoAttr)))
	assert.Equal(t, ENOENT, XattrErrno(common.ErrNotFound), "a missing file is still ENOENT")
	assert.Equal(t, ENOENT, Errno(errNoAttr))
	assert.Equal(t, ENOTSUP, XattrErrno(common.ErrUnsupported))
}
