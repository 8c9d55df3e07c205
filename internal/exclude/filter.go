// Package exclude decides which parts of a data tree take part in a run.
package exclude

import (
	"path/filepath"
	"strings"
)

// Filter holds site/participant/metric include and exclude lists. Entries are
// matched against whole path components, never substrings.
type Filter struct {
	// Include, when non-empty, requires at least one path component to be listed.
	Include []string
	// Exclude drops any path with a listed component.
	Exclude []string
}

// New builds a Filter, dropping empty entries and trimming whitespace so
// comma-separated flag values can be passed through directly.
func New(include, exclude []string) Filter {
	return Filter{Include: clean(include), Exclude: clean(exclude)}
}

func clean(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsZero reports whether the filter accepts everything.
func (f Filter) IsZero() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// Allow reports whether the relative path passes the filter.
func (f Filter) Allow(rel string) bool {
	return f.AllowComponents(Components(rel))
}

// AllowComponents is Allow over pre-split components.
func (f Filter) AllowComponents(parts []string) bool {
	for _, p := range parts {
		if contains(f.Exclude, p) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range parts {
		if contains(f.Include, p) {
			return true
		}
	}
	return false
}

// Components splits a slash or OS separated relative path.
func Components(rel string) []string {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

// SkipDir reports whether a directory should never be descended into during
// a scan: hidden directories (including the .mhm state directory) and the
// scratch directories left behind by interrupted downloads.
func SkipDir(name string) bool {
	if name == "." || name == "" {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "__MACOSX", "tmp", "_tmp":
		return true
	}
	return false
}

// SkipFile reports whether a file is transient and must be ignored: editor
// swap files, partial downloads and the temp files written by atomic renames.
func SkipFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{".tmp", ".part", ".partial", ".swp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
