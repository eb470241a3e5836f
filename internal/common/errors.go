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

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrNotDir            = errors.New("not a directory")
	ErrIsDir             = errors.New("is a directory")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrSharingViolation  = errors.New("sharing violation")
	ErrConflict          = errors.New("conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrOutOfSpace        = errors.New("out of space")
	ErrUnsupported       = errors.New("unsupported")
	ErrStaleHandle       = errors.New("stale handle")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrInternalInvariant = errors.New("internal invariant violation")
)

// ErrInvalidPath is returned for malformed paths and names.
var ErrInvalidPath = fmt.Errorf("invalid path: %w", ErrInvalidArgument)

// Code is the wire name of an error in the engine taxonomy.
type Code string

const (
	CodeOK                Code = ""
	CodeNotFound          Code = "NotFound"
	CodeAlreadyExists     Code = "AlreadyExists"
	CodeNotADirectory     Code = "NotADirectory"
	CodeIsADirectory      Code = "IsADirectory"
	CodeNotEmpty          Code = "NotEmpty"
	CodeSharingViolation  Code = "SharingViolation"
	CodeConflict          Code = "Conflict"
	CodeInvalidArgument   Code = "InvalidArgument"
	CodeOutOfSpace        Code = "OutOfSpace"
	CodeUnsupported       Code = "Unsupported"
	CodeStaleHandle       Code = "StaleHandle"
	CodeVersionMismatch   Code = "VersionMismatch"
	CodeInternalInvariant Code = "InternalInvariantViolation"
)

var codeTable = []struct {
	code Code
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeAlreadyExists, ErrExists},
	{CodeNotADirectory, ErrNotDir},
	{CodeIsADirectory, ErrIsDir},
	{CodeNotEmpty, ErrNotEmpty},
	{CodeSharingViolation, ErrSharingViolation},
	{CodeConflict, ErrConflict},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeOutOfSpace, ErrOutOfSpace},
	{CodeUnsupported, ErrUnsupported},
	{CodeStaleHandle, ErrStaleHandle},
	{CodeVersionMismatch, ErrVersionMismatch},
	{CodeInternalInvariant, ErrInternalInvariant},
}

// CodeOf classifies err. Errors outside the taxonomy are reported as
// internal invariant violations.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternalInvariant
}

// FromCode rebuilds an error that matches the sentinel for code with errors.Is.
func FromCode(code Code, msg string) error {
	if code == CodeOK {
		return nil
	}
	for _, c := range codeTable {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%s: %w", msg, c.err)
		}
	}
	return fmt.Errorf("%s (%s): %w", msg, code, ErrInternalInvariant)
}

// Invariant builds an ErrInternalInvariant with context.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalInvariant, fmt.Sprintf(format, args...))
}
