package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnginePaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		norm  string
		parts  []string
		base   string
		parent string
	}{
		{"", "", nil, "", ""},
		{"/", "", nil, "", ""},
		{"//", "", nil, "", ""},
		{".", "", nil, "", ""},
		{"foo", "foo", []string{"foo"}, "foo", ""},
		{"/foo/", "foo", []string{"foo"}, "foo", ""},
		{"/src/main.go", "src/main.go", []string{"src", "main.go"}, "main.go", "src"},
		{"///a///b///", "a/b", []string{"a", "b"}, "b", "a"},
		{"a/./b", "a/b", []string{"a", "b"}, "b", "a"},
		{"a/../b", "b", []string{"b"}, "b", ""},
		{"x/y/z", "x/y/z", []string{"x", "y", "z"}, "z", "x/y"},
		// paths never escape the root
		{"..", "", nil, "", ""},
		{"../etc/passwd", "etc/passwd", []string{"etc", "passwd"}, "passwd", "etc"},
		{"/a/../../b", "b", []string{"b"}, "b", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.norm, NormalizePath(tt.input))
			assert.Equal(t, tt.parts, SplitPath(tt.input))
			assert.Equal(t, tt.base, BaseName(tt.input))
			assert.Equal(t, tt.parent, ParentPath(tt.input))
			assert.Equal(t, tt.norm, JoinPath(tt.parts...), "split then join")
		})
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", JoinPath())
	assert.Equal(t, "a/b", JoinPath("/a/", "", "/b"))
	assert.Equal(t, "b", JoinPath("a", "..", "b"))
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "a.txt", false},
		{"unicode", "résumé.md", false},
		{"max_len", strings.Repeat("x", MaxNameLen), false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"too_long", strings.Repeat("x", MaxNameLen+1), true},
		{"slash", "a/b", true},
		{"nul", "a\x00b", true},
		{"bad_utf8", "\xff\xfe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePath("/"))
	assert.NoError(t, ValidatePath("/dir/file.txt"))
	assert.ErrorIs(t, ValidatePath("/dir/"+strings.Repeat("y", MaxNameLen+1)), ErrInvalidPath)
	assert.ErrorIs(t, ValidatePath("/a\x00"), ErrInvalidPath)
}

func TestIdentity(t *testing.T) {
	t.Parallel()

	id := PID(4242)
	assert.Equal(t, Identity("pid:4242"), id)
	pid, ok := id.PIDOf()
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	_, ok = Session("abc").PIDOf()
	assert.False(t, ok)
	assert.Equal(t, "anonymous", Identity("").String())
}
