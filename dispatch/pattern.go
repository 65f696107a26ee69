package dispatch

import (
	"regexp"
	"strings"
)

// Pattern decides whether a route applies to a request path and extracts the
// named parameters it captures.
type Pattern interface {
	Match(path string) (params map[string]string, ok bool)
	String() string
}

// RestParam names the parameter holding the remainder matched by a Prefix
// pattern.
const RestParam = "*"

type exactPattern string

// Exact matches one path.
func Exact(path string) Pattern { return exactPattern(path) }

func (p exactPattern) Match(path string) (map[string]string, bool) {
	return nil, path == string(p)
}

func (p exactPattern) String() string { return string(p) }

type prefixPattern string

// Prefix matches prefix itself (with or without its trailing slash) and every
// path beneath it. The unmatched remainder is exposed as RestParam.
func Prefix(prefix string) Pattern { return prefixPattern(prefix) }

func (p prefixPattern) Match(path string) (map[string]string, bool) {
	prefix := string(p)
	if path == strings.TrimSuffix(prefix, "/") {
		return map[string]string{RestParam: ""}, true
	}
	if !strings.HasPrefix(path, prefix) {
		return nil, false
	}
	return map[string]string{RestParam: path[len(prefix):]}, true
}

func (p prefixPattern) String() string { return string(p) + "*" }

type regexPattern struct {
	src string
	re  *regexp.Regexp
}

// Regex matches paths against expr as a whole (the expression is anchored at
// both ends). Named groups become parameters; groups that did not participate
// in the match are reported as empty strings. Regex panics if expr does not
// compile.
func Regex(expr string) Pattern {
	return regexPattern{src: expr, re: regexp.MustCompile(`^(?:` + expr + `)$`)}
}

func (p regexPattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	var params map[string]string
	for i, name := range p.re.SubexpNames() {
		if name == "" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[name] = m[i]
	}
	return params, true
}

func (p regexPattern) String() string { return p.src }

type anyPattern struct{}

// Any matches every path.
func Any() Pattern { return anyPattern{} }

func (anyPattern) Match(string) (map[string]string, bool) { return nil, true }
func (anyPattern) String() string                         { return "*" }
