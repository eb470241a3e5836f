package vfs

import "syscall"

// ENOATTR is the missing-xattr errno; linux spells it ENODATA.
const ENOATTR = syscall.ENODATA
