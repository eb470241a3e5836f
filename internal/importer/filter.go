package importer

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// Filter reports whether a slash-separated path relative to the import root
// should be imported.
type Filter func(relPath string, isDir bool) bool

// alwaysExcluded never enters a branch.
var alwaysExcluded = []string{".git", ".agentfs"}

// BuildFilter creates a Filter that:
// 1. Always excludes .git and .agentfs
// 2. Checks excludes list (force-exclude, highest priority)
// 3. Checks includes list (force-include, overrides gitignore)
// 4. Applies gitignore rules found under root
func BuildFilter(root string, gitignoreEnabled bool, includes, excludes []string) Filter {
	var matcher *gitignoreMatcher
	if gitignoreEnabled {
		var err error
		matcher, err = newGitignoreMatcher(root)
		if err != nil {
			log.Warnf("[Import] failed to build gitignore matcher: %v", err)
		}
	}
	excludes = slices.Concat(excludes, alwaysExcluded)

	return func(relPath string, isDir bool) bool {
		for _, exc := range excludes {
			if within(relPath, exc) {
				return false
			}
		}
		for _, inc := range includes {
			if within(relPath, inc) {
				return true
			}
		}
		return !matcher.isIgnored(relPath, isDir)
	}
}

// within reports whether p is prefix or lies below it.
func within(p, prefix string) bool {
	prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// gitignoreMatcher holds the .gitignore rules of a tree, each scoped to the
// directory that contains it.
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(root string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if rel == "." {
			rel = ""
		}
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: filepath.ToSlash(rel),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	check := relPath
	if isDir {
		check += "/"
	}
	for _, sm := range m.matchers {
		p := check
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			p = strings.TrimPrefix(check, prefix)
		}
		if sm.ignore.MatchesPath(p) {
			return true
		}
	}
	return false
}
