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

// Package cache provides the caches of the agentfs dispatcher layer.
//
// Design Principles:
// 1. Entries are keyed by tree generation, so a cached value can never be
//    stale; superseded generations simply age out
// 2. Single layer ownership - each cache lives in one layer
//
// Currently provides:
// - ResolveCache: path to inode cache per branch and tree generation (used by vfs.FS)
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled.
// Set via AGENTFS_CACHE=0 environment variable.
// When true:
// - ResolveCache.Get() always reports a miss
// - ResolveCache.Put() is a no-op
//
// This is useful for testing and debugging to verify logic works correctly
// without caching, and to isolate cache-related bugs.
var Disabled = os.Getenv("AGENTFS_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
