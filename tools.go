//go:build tools

// Package tools pins the versions of build and test tools run with `go run`,
// for example: go run gotest.tools/gotestsum --format testname ./...
package tools

import (
	_ "gotest.tools/gotestsum"
)
