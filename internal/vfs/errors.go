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
	"io"
	"syscall"

	"agentfs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	ENOSPC    = syscall.ENOSPC    // No space left on device
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EBUSY     = syscall.EBUSY     // Sharing violation
	EAGAIN    = syscall.EAGAIN    // Byte-range lock conflict
	EINTR     = syscall.EINTR     // Cancelled
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
)

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrNotFound, ENOENT},
	{common.ErrExists, EEXIST},
	{common.ErrNotDir, ENOTDIR},
	{common.ErrIsDir, EISDIR},
	{common.ErrNotEmpty, ENOTEMPTY},
	{common.ErrSharingViolation, EBUSY},
	{common.ErrConflict, EAGAIN},
	{common.ErrInvalidArgument, EINVAL},
	{common.ErrOutOfSpace, ENOSPC},
	{common.ErrUnsupported, ENOTSUP},
	{common.ErrStaleHandle, EBADF},
	{common.ErrVersionMismatch, EINVAL},
	{common.ErrInternalInvariant, EIO},
	{context.Canceled, EINTR},
	{context.DeadlineExceeded, EINTR},
}

// Errno maps an engine error to the errno an adapter should return.
// io.EOF and nil map to 0.
func Errno(err error) syscall.Errno {
	if err == nil || errors.Is(err, io.EOF) {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EIO
}

// XattrErrno is Errno for extended attribute calls, where a missing name is
// ENOATTR rather than ENOENT.
func XattrErrno(err error) syscall.Errno {
	if errors.Is(err, errNoAttr) {
		return ENOATTR
	}
	return Errno(err)
}
