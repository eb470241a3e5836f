package vfs

import (
	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// SecurityPolicy maps identities onto ownership and access decisions. The
// engine has no native ACL model; adapters plug in whatever approximation
// their platform needs.
type SecurityPolicy interface {
	// Owner returns the uid and gid stamped on nodes created by who.
	Owner(who common.Identity) (uid, gid uint32)
	// Allow returns nil if who may perform access on a node with attr, or
	// the error to fail the operation with.
	Allow(who common.Identity, attr tree.Attr, access handles.Access) error
}

// DefaultPolicy stamps fixed ownership and allows every access.
type DefaultPolicy struct {
	UID uint32
	GID uint32
}

func (p DefaultPolicy) Owner(common.Identity) (uint32, uint32) { return p.UID, p.GID }

func (p DefaultPolicy) Allow(common.Identity, tree.Attr, handles.Access) error { return nil }

// Reporter receives internal invariant violations.
type Reporter interface {
	Invariant(err error)
}

// nopReporter is used when no Reporter is configured. Violations are logged
// where they are detected.
type nopReporter struct{}

func (nopReporter) Invariant(error) {}
