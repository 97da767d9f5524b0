// Package filter implements the include/exclude rules applied during
// mirroring and purge. Rules are evaluated in the order given on the
// command line; the first match decides.
package filter

import (
	"fmt"
	"path"
	"strings"
)

type rule struct {
	pattern string
	include bool
}

// Chain is an ordered rule list plus optional size bounds.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64 // 0 = unbounded
}

// NewChain returns an empty chain that matches everything.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude appends an exclude rule. Returns an error for malformed
// patterns.
func (c *Chain) AddExclude(pattern string) error {
	return c.add(pattern, false)
}

// AddInclude appends an include rule. Since the first matching rule
// decides, it takes precedence over excludes added after it; an exclude
// added before it still wins.
func (c *Chain) AddInclude(pattern string) error {
	return c.add(pattern, true)
}

func (c *Chain) add(pattern string, include bool) error {
	pattern = strings.ReplaceAll(pattern, `\`, "/")
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	c.rules = append(c.rules, rule{pattern: pattern, include: include})
	return nil
}

// SetSizeBounds restricts matching files to [minSize, maxSize] bytes.
// maxSize 0 means unbounded.
func (c *Chain) SetSizeBounds(minSize, maxSize int64) {
	c.minSize = minSize
	c.maxSize = maxSize
}

// Empty reports whether the chain has no rules or bounds.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0)
}

// Match reports whether relPath should be processed. Directories only
// consult pattern rules; size bounds apply to files.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}
	if !isDir {
		if size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}

	relPath = strings.ReplaceAll(relPath, `\`, "/")
	base := path.Base(relPath)
	for _, r := range c.rules {
		if matchOne(r.pattern, relPath, base) {
			return r.include
		}
	}
	return true
}

// matchOne matches the pattern against the full relative path when it
// contains a separator, the base name otherwise.
func matchOne(pattern, relPath, base string) bool {
	target := base
	if strings.Contains(pattern, "/") {
		target = relPath
	}
	ok, _ := path.Match(pattern, target)
	return ok
}
