// Package pattern matches agent keyword rules against request text.
//
// A rule wrapped in slashes (/deploy|release/) is a case-insensitive regular
// expression tested against the raw text. Any other rule is a
// case-insensitive substring.
package pattern

import (
	"regexp"
	"strings"

	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes compiled regex rules. Invalid patterns are stored as nil
// and never recompiled.
type Cache struct {
	compiled *xsync.MapOf[string, *regexp.Regexp]
	group    singleflight.Group
	metrics  *metrics.Metrics
}

// NewCache creates an empty cache. m may be nil.
func NewCache(m *metrics.Metrics) *Cache {
	return &Cache{
		compiled: xsync.NewMapOf[string, *regexp.Regexp](),
		metrics:  m,
	}
}

// IsRegex reports whether a rule uses the /pattern/ form.
func IsRegex(rule string) bool {
	return len(rule) > 2 && strings.HasPrefix(rule, "/") && strings.HasSuffix(rule, "/")
}

// Match tests one rule. lowerText must be strings.ToLower(text); callers
// scanning many rules compute it once.
func (c *Cache) Match(rule, text, lowerText string) bool {
	if IsRegex(rule) {
		re := c.Get(rule[1 : len(rule)-1])
		return re != nil && re.MatchString(text)
	}
	return strings.Contains(lowerText, strings.ToLower(rule))
}

// Get returns the compiled case-insensitive form of pattern, or nil if it
// does not compile. Concurrent first lookups of the same pattern compile
// it once.
func (c *Cache) Get(pattern string) *regexp.Regexp {
	if re, ok := c.compiled.Load(pattern); ok {
		return re
	}

	v, _, _ := c.group.Do(pattern, func() (interface{}, error) {
		if re, ok := c.compiled.Load(pattern); ok {
			return re, nil
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid keyword pattern, treating as non-matching")
			re = nil
		}
		c.compiled.Store(pattern, re)
		c.metrics.RecordPatternCompile(err == nil)
		return re, nil
	})
	return v.(*regexp.Regexp)
}

// Len returns the number of memoized patterns, valid or not.
func (c *Cache) Len() int {
	return c.compiled.Size()
}
