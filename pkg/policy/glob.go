package policy

import (
	"path"
	"strings"
)

// matchGlob matches a slash-separated path against a glob pattern where "**"
// spans any number of path segments and "*"/"?" match within one segment.
// Patterns and paths are compared case-sensitively.
func matchGlob(pattern, name string) bool {
	return matchSegments(splitPath(pattern), splitPath(name))
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchGlob(p, name) {
			return true
		}
	}
	return false
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		// zero segments, or consume one and retry
		if matchSegments(pattern[1:], name) {
			return true
		}
		return len(name) > 0 && matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}
