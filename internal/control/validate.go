package control

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"agentfs/internal/common"
)

// ValidateName checks a snapshot or branch name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", common.ErrInvalidArgument)
	case len(name) > common.MaxNameLen:
		return fmt.Errorf("%w: name longer than %d bytes", common.ErrInvalidArgument, common.MaxNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name is not valid UTF-8", common.ErrInvalidArgument)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: name %q contains a path separator", common.ErrInvalidArgument, name)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: name %q contains a control character", common.ErrInvalidArgument, name)
	}
	return nil
}

// ParseSource interprets the source of branch.create. It returns the
// snapshot id, or current=true for SourceCurrent.
func ParseSource(src string) (snapshot uint64, current bool, err error) {
	if src == SourceCurrent {
		return 0, true, nil
	}
	id, err := strconv.ParseUint(src, 10, 64)
	if err != nil || id == 0 {
		return 0, false, fmt.Errorf("%w: source must be %q or a snapshot id, got %q", common.ErrInvalidArgument, SourceCurrent, src)
	}
	return id, false, nil
}

// Validate checks req before any engine state is touched. maxList bounds
// the limit of list requests.
func Validate(req *Request, maxList int) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", common.ErrInvalidArgument)
	}
	if req.Version != Version {
		return fmt.Errorf("%w: protocol version %q, want %q", common.ErrVersionMismatch, req.Version, Version)
	}
	if req.PID < 0 {
		return fmt.Errorf("%w: negative pid", common.ErrInvalidArgument)
	}
	switch req.Op {
	case OpSnapshotCreate:
		if req.Name != "" {
			return ValidateName(req.Name)
		}
	case OpSnapshotList:
		if req.Limit < 0 || req.Limit > maxList {
			return fmt.Errorf("%w: limit %d outside [0, %d]", common.ErrInvalidArgument, req.Limit, maxList)
		}
	case OpSnapshotDelete:
		if req.ID == 0 {
			return fmt.Errorf("%w: missing snapshot id", common.ErrInvalidArgument)
		}
	case OpBranchCreate:
		if _, _, err := ParseSource(req.Source); err != nil {
			return err
		}
		if req.Name != "" {
			return ValidateName(req.Name)
		}
	case OpBranchBind, OpBranchDelete:
		if req.BranchID == 0 {
			return fmt.Errorf("%w: missing branch id", common.ErrInvalidArgument)
		}
	case OpBranchUnbind, OpBranchList, OpStats:
	default:
		return fmt.Errorf("%w: unknown operation %q", common.ErrInvalidArgument, req.Op)
	}
	return nil
}
