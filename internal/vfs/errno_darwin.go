package vfs

import "syscall"

// ENOATTR is the missing-xattr errno.
const ENOATTR = syscall.ENOATTR
