package change

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnoredDirs are directory names never reported.
var DefaultIgnoredDirs = []string{
	".bundle",
	".git",
	".hg",
	".svn",
	"bower_components",
	"node_modules",
	"vendor/bundle",
}

// DefaultIgnoredFiles are editor and OS artifacts never reported.
var DefaultIgnoredFiles = []string{
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"#*#",
	".DS_Store",
	"*.tmp",
}

// Silencer decides which paths are ignored.
type Silencer struct {
	roots     []string
	dirRules  []glob.Glob
	fileRules []fileRule
}

type fileRule struct {
	matcher  glob.Glob
	pathWide bool
}

// NewSilencer compiles the default rules plus extra file patterns. Patterns
// without a slash match base names; patterns with a slash match paths
// relative to a watched root.
func NewSilencer(roots []string, ignore []string) (*Silencer, error) {
	silencer := &Silencer{}
	for _, root := range roots {
		silencer.roots = append(silencer.roots, filepath.Clean(root))
	}
	for _, dir := range DefaultIgnoredDirs {
		matcher, err := glob.Compile("{"+dir+",**/"+dir+"}", '/')
		if err != nil {
			return nil, fmt.Errorf("compile ignored dir %q: %w", dir, err)
		}
		silencer.dirRules = append(silencer.dirRules, matcher)
	}
	patterns := append(append([]string{}, DefaultIgnoredFiles...), ignore...)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		rule := fileRule{pathWide: strings.Contains(pattern, "/")}
		var err error
		if rule.pathWide {
			rule.matcher, err = glob.Compile(pattern, '/')
		} else {
			rule.matcher, err = glob.Compile(pattern)
		}
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		silencer.fileRules = append(silencer.fileRules, rule)
	}
	return silencer, nil
}

// Silenced reports whether path should be ignored.
func (silencer *Silencer) Silenced(path string, isDir bool) bool {
	if silencer == nil {
		return false
	}
	rel := silencer.relative(path)
	if rel == "." || rel == "" {
		return false
	}
	segments := strings.Split(rel, "/")
	dirCount := len(segments) - 1
	if isDir {
		dirCount = len(segments)
	}
	for i := 1; i <= dirCount; i++ {
		prefix := strings.Join(segments[:i], "/")
		for _, rule := range silencer.dirRules {
			if rule.Match(prefix) {
				return true
			}
		}
	}
	if isDir {
		return false
	}
	base := segments[len(segments)-1]
	for _, rule := range silencer.fileRules {
		if rule.pathWide {
			if rule.matcher.Match(rel) {
				return true
			}
			continue
		}
		if rule.matcher.Match(base) {
			return true
		}
	}
	return false
}

func (silencer *Silencer) relative(path string) string {
	cleaned := filepath.Clean(path)
	for _, root := range silencer.roots {
		rel, err := filepath.Rel(root, cleaned)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.ToSlash(rel)
	}
	return strings.TrimPrefix(filepath.ToSlash(cleaned), "/")
}

// Start is a no-op; the silencer is immutable once built.
func (silencer *Silencer) Start(context.Context) error { return nil }

func (silencer *Silencer) Stop(context.Context) error { return nil }
