package common

import (
	"strconv"
	"strings"
)

// Identity names the process or session on whose behalf an operation runs.
// Adapters supply it; it owns handles and locks and selects the branch.
type Identity string

// Anonymous is used when an adapter cannot attribute a call.
const Anonymous Identity = "anonymous"

// PID returns the identity of an OS process.
func PID(pid int) Identity {
	return Identity("pid:" + strconv.Itoa(pid))
}

// Session returns the identity of a non-process session (e.g. a control connection).
func Session(id string) Identity {
	return Identity("session:" + id)
}

// PIDOf returns the process id encoded in id, if any.
func (id Identity) PIDOf() (int, bool) {
	rest, ok := strings.CutPrefix(string(id), "pid:")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (id Identity) String() string {
	if id == "" {
		return string(Anonymous)
	}
	return string(id)
}
