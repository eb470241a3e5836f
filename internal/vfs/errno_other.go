//go:build !linux && !darwin

package vfs

import "syscall"

const ENOATTR = syscall.ENOENT
