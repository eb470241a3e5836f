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

// Package control is the control-plane gateway: a small versioned
// request/response protocol over a unix socket that lets an orchestrator
// snapshot, branch and bind processes without touching the data path.
package control

import (
	"time"

	"agentfs/internal/common"
)

// Version is the only protocol version this gateway speaks.
const Version = "1"

// DefaultMaxListResults caps the limit of list requests.
const DefaultMaxListResults = 1000

// Operations
const (
	OpSnapshotCreate = "snapshot.create"
	OpSnapshotList   = "snapshot.list"
	OpSnapshotDelete = "snapshot.delete"
	OpBranchCreate   = "branch.create"
	OpBranchBind     = "branch.bind"
	OpBranchUnbind   = "branch.unbind"
	OpBranchList     = "branch.list"
	OpBranchDelete   = "branch.delete"
	OpStats          = "fs.stats"
)

// SourceCurrent asks branch.create to fork the live state of the caller's branch.
const SourceCurrent = "current"

// Request is one control call. Fields not used by Op must be left zero.
type Request struct {
	Version string `json:"version"`
	Op      string `json:"op"`

	BranchID uint64 `json:"branchId,omitempty"` // snapshot.create, branch.bind, branch.delete
	ID       uint64 `json:"id,omitempty"`       // snapshot.delete
	Name     string `json:"name,omitempty"`     // snapshot.create, branch.create
	Source   string `json:"source,omitempty"`   // branch.create: "current" or a snapshot id
	PID      int    `json:"pid,omitempty"`      // branch.bind, branch.unbind: defaults to the caller
	After    uint64 `json:"after,omitempty"`    // snapshot.list
	Limit    int    `json:"limit,omitempty"`    // snapshot.list
}

// ErrorInfo is the wire form of an engine error.
type ErrorInfo struct {
	Code    common.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}

// Err converts the wire error back into an engine error that matches the
// taxonomy sentinels with errors.Is.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	return common.FromCode(e.Code, e.Message)
}

// SnapshotEntry describes one snapshot.
type SnapshotEntry struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	BranchID  uint64    `json:"branchId"`
}

// BranchEntry describes one branch.
type BranchEntry struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Origin       uint64    `json:"origin,omitempty"`
	OriginBranch uint64    `json:"originBranch,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Nodes        int       `json:"nodes"`
	OpenHandles  int       `json:"openHandles"`
}

// Stats is the fs.stats payload.
type Stats struct {
	Branches      int    `json:"branches"`
	Snapshots     int    `json:"snapshots"`
	Bindings      int    `json:"bindings"`
	OpenHandles   int    `json:"openHandles"`
	MaxHandles    int    `json:"maxHandles"`
	Nodes         int    `json:"nodes"`
	Orphans       int    `json:"orphans"`
	Blocks        int    `json:"blocks"`
	ResidentBytes int64  `json:"residentBytes"`
	MemoryBudget  int64  `json:"memoryBudget"`
	SpillBytes    int64  `json:"spillBytes"`
	Spills        uint64 `json:"spills"`
	PageIns       uint64 `json:"pageIns"`
	CacheHits     uint64 `json:"cacheHits"`
	CacheMisses   uint64 `json:"cacheMisses"`
}

// Response answers one Request.
type Response struct {
	Version string     `json:"version"`
	OK      bool       `json:"ok"`
	Error   *ErrorInfo `json:"error,omitempty"`

	ID        uint64          `json:"id,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitzero"`
	BranchID  uint64          `json:"branchId,omitempty"`
	Snapshots []SnapshotEntry `json:"snapshots,omitempty"`
	Branches  []BranchEntry   `json:"branches,omitempty"`
	Stats     *Stats          `json:"stats,omitempty"`
}

// Failure builds the error response for err.
func Failure(err error) *Response {
	return &Response{
		Version: Version,
		Error:   &ErrorInfo{Code: common.CodeOf(err), Message: err.Error()},
	}
}
