package scan

import (
	"path"
	"strings"
)

// DefaultIgnore lists the rules applied when no others are configured:
// VCS metadata, build caches, OS metadata, dependency directories and
// compiled artifacts.
var DefaultIgnore = []string{
	".git",
	"__pycache__",
	"*.pyc",
	".DS_Store",
	"node_modules",
	".venv",
	"venv",
	".env",
	"*.egg-info",
	".pytest_cache",
	".mypy_cache",
	"dist",
	"build",
	"*.so",
}

// Rule is a single ignore pattern. A pattern containing "*" is a glob
// matched against the file name; any other pattern is a literal that
// matches when any path segment equals it.
type Rule string

// Match reports whether rel (a forward-slash relative path) is excluded.
func (r Rule) Match(rel string) bool {
	pattern := string(r)
	if pattern == "" {
		return false
	}

	name := path.Base(rel)
	if r.isGlob() {
		ok, err := path.Match(pattern, name)
		return err == nil && ok
	}

	for _, segment := range strings.Split(rel, "/") {
		if segment == pattern {
			return true
		}
	}
	return false
}

func (r Rule) isGlob() bool {
	return strings.Contains(string(r), "*")
}

// Rules is an unordered set of ignore rules. A path is excluded when any
// rule matches.
type Rules []Rule

// NewRules converts patterns to rules, dropping empty entries.
func NewRules(patterns []string) Rules {
	rules := make(Rules, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			rules = append(rules, Rule(p))
		}
	}
	return rules
}

// Match reports whether any rule excludes rel.
func (rs Rules) Match(rel string) bool {
	for _, r := range rs {
		if r.Match(rel) {
			return true
		}
	}
	return false
}
