package script

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Matches reports whether s should run on pageURL. Exclusions win. A script
// with neither @match nor @include runs everywhere.
func (s *Script) Matches(pageURL string) bool {
	match := s.Meta.Match
	include := s.Meta.Include
	exclude := append(append([]string{}, s.Meta.Exclude...), s.Custom.Exclude...)
	excludeMatch := append(append([]string{}, s.Meta.ExcludeMatch...), s.Custom.ExcludeMatch...)
	if s.Custom.Match != nil {
		match = append(append([]string{}, match...), s.Custom.Match...)
	}
	if s.Custom.Include != nil {
		include = append(append([]string{}, include...), s.Custom.Include...)
	}

	ok := len(match) == 0 && len(include) == 0
	if !ok {
		ok = anyMatch(match, pageURL, matchPattern) || anyMatch(include, pageURL, includePattern)
	}
	if !ok {
		return false
	}
	return !anyMatch(excludeMatch, pageURL, matchPattern) && !anyMatch(exclude, pageURL, includePattern)
}

func anyMatch(patterns []string, u string, test func(string, string) bool) bool {
	for _, p := range patterns {
		if test(p, u) {
			return true
		}
	}
	return false
}

var (
	globCache sync.Map // pattern -> glob.Glob
	reCache   sync.Map // pattern -> *regexp.Regexp
)

// includePattern tests an @include/@exclude rule: /regex/ or a * glob.
func includePattern(pattern, u string) bool {
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re := compileRegexp(pattern[1 : len(pattern)-1])
		return re != nil && re.MatchString(u)
	}
	g := compileGlob(pattern)
	return g != nil && g.Match(u)
}

// matchPattern tests an @match rule: <scheme>://<host><path>.
func matchPattern(pattern, u string) bool {
	if pattern == "<all_urls>" {
		return true
	}
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	host, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, path = rest[:i], rest[i:]
	}

	target, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch scheme {
	case "*":
		if target.Scheme != "http" && target.Scheme != "https" {
			return false
		}
	default:
		if scheme != target.Scheme {
			return false
		}
	}
	if !matchHost(host, target.Hostname()) {
		return false
	}

	p := target.EscapedPath()
	if p == "" {
		p = "/"
	}
	if target.RawQuery != "" {
		p += "?" + target.RawQuery
	}
	g := compileGlob(path)
	return g != nil && g.Match(p)
}

func matchHost(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		base := pattern[2:]
		return host == base || strings.HasSuffix(host, "."+base)
	default:
		return strings.EqualFold(pattern, host)
	}
}

// compileGlob treats only * as special; every other glob metacharacter in
// the pattern is literal.
func compileGlob(pattern string) glob.Glob {
	if g, ok := globCache.Load(pattern); ok {
		return g.(glob.Glob)
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return nil
	}
	globCache.Store(pattern, g)
	return g
}

func compileRegexp(expr string) *regexp.Regexp {
	if re, ok := reCache.Load(expr); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil
	}
	reCache.Store(expr, re)
	return re
}
