package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrNotDir,
		ErrIsDir,
		ErrNotEmpty,
		ErrSharingViolation,
		ErrConflict,
		ErrInvalidArgument,
		ErrOutOfSpace,
		ErrUnsupported,
		ErrStaleHandle,
		ErrVersionMismatch,
		ErrInternalInvariant,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})

	t.Run("every sentinel has a distinct code", func(t *testing.T) {
		t.Parallel()
		seen := make(map[Code]bool)
		for _, err := range errs {
			code := CodeOf(err)
			assert.NotEqual(t, CodeOK, code)
			assert.False(t, seen[code], "duplicate code %s", code)
			seen[code] = true
		}
	})
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"plain", ErrNotFound, CodeNotFound},
		{"wrapped", fmt.Errorf("lookup a.txt: %w", ErrNotFound), CodeNotFound},
		{"invalid path", ErrInvalidPath, CodeInvalidArgument},
		{"invariant helper", Invariant("refcount %d", -1), CodeInternalInvariant},
		{"foreign error", errors.New("boom"), CodeInternalInvariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestFromCode(t *testing.T) {
	t.Parallel()

	t.Run("ok code yields nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, FromCode(CodeOK, "ignored"))
	})

	t.Run("rebuilt error matches sentinel", func(t *testing.T) {
		t.Parallel()
		err := FromCode(CodeConflict, "identity bound elsewhere")
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "identity bound elsewhere")
	})

	t.Run("bare message returns sentinel", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, ErrNotFound, FromCode(CodeNotFound, ""))
	})

	t.Run("unknown code", func(t *testing.T) {
		t.Parallel()
		err := FromCode(Code("Bogus"), "what")
		assert.ErrorIs(t, err, ErrInternalInvariant)
	})
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("string concatenation does not wrap", func(t *testing.T) {
		t.Parallel()
		wrappedErr := errors.New("wrapped: " + ErrNotFound.Error())
		assert.False(t, errors.Is(wrappedErr, ErrNotFound))
	})

	t.Run("invalid path is an invalid argument", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, ErrInvalidPath, ErrInvalidArgument)
	})
}
