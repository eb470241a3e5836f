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

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds
const DefaultBusyTimeout = 5000

// EnvBusyTimeout overrides the spill database busy_timeout.
const EnvBusyTimeout = "AGENTFS_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout value: the env override when it
// is a positive integer, otherwise DefaultBusyTimeout.
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for a spill database
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=OFF&_busy_timeout=%d", path, GetBusyTimeout())
}

func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based pragma parameters, so they are issued as statements.
// The spill database is scratch space: it is deleted on close, so durability
// pragmas are relaxed.
func applyPragmas(db *sql.DB) error {
	// busy_timeout first so journal_mode waits instead of failing
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=OFF"); err != nil {
		return fmt.Errorf("failed to set synchronous=OFF: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -4000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}
