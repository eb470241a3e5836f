package daemon

import (
	"fmt"
	"os"
	"strings"

	"agentfs/internal/storage"
	"agentfs/internal/util"
)

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	CleanedPidFile bool    // Whether PID file was cleaned
	CleanedSocket  bool    // Whether socket file was cleaned
	SpillAreas     int     // Spill areas left by crashed daemons
	Errors         []error // Any errors encountered
}

// CleanupStale removes what a crashed daemon leaves behind: its PID file,
// its control socket and its spill areas. Nothing is touched while a daemon
// answers on the socket.
func CleanupStale(spillDir string) *CleanupResult {
	result := &CleanupResult{}
	if IsDaemonRunning() {
		return result
	}
	result.CleanedPidFile = cleanupStalePidFile()
	result.CleanedSocket = cleanupStaleSocket()
	if spillDir != "" {
		n, err := storage.CleanupStaleSpill(spillDir)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to clean spill areas: %w", err))
		}
		result.SpillAreas = n
	}
	return result
}

// cleanupStalePidFile removes PID file if the process is not running
func cleanupStalePidFile() bool {
	pid, err := GetPID()
	if err != nil {
		return false
	}
	if util.IsProcessRunning(pid) && pid != os.Getpid() {
		return false
	}
	os.Remove(PidPath())
	return true
}

// cleanupStaleSocket removes socket file if daemon isn't running
func cleanupStaleSocket() bool {
	socketPath := SocketPath()
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return false
	}
	if IsDaemonRunning() {
		return false
	}
	os.Remove(socketPath)
	return true
}

// Empty reports whether the cleanup found nothing to do.
func (r *CleanupResult) Empty() bool {
	return !r.CleanedPidFile && !r.CleanedSocket && r.SpillAreas == 0 && len(r.Errors) == 0
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string
	if result.CleanedPidFile {
		parts = append(parts, "Cleaned up stale PID file")
	}
	if result.CleanedSocket {
		parts = append(parts, "Cleaned up stale socket file")
	}
	if result.SpillAreas > 0 {
		parts = append(parts, fmt.Sprintf("Removed %d stale spill area(s)", result.SpillAreas))
	}
	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}
	if len(parts) == 0 {
		return "No cleanup needed"
	}
	return strings.Join(parts, "\n")
}
