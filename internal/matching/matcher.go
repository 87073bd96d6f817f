// Package matching implements the matcher evaluator: deterministic,
// side-effect-free evaluation of a matcher tree against a parsed
// request. Leaf matchers are pre-compiled at construction time so that
// evaluation never compiles a regex or glob on the hot path.
//
// Grounded on internal/engine/matcher.go's compiledMatcher/matchesRule
// pair, generalized from a flat AND-of-fields struct into the recursive
// all/any tree the request matcher needs.
package matching

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/mockwire/mockwire/internal/ruledata"
)

// Matcher is the evaluator built by the combinators and leaf
// constructors in this package. It satisfies ruledata.Matcher so rules
// can reference it without internal/ruledata importing this package.
type Matcher struct {
	eval   func(r *ruledata.Request) bool
	always bool
}

// Evaluate reports whether r satisfies m.
func (m *Matcher) Evaluate(r *ruledata.Request) bool { return m.eval(r) }

// Always reports whether m is the unconditional "always matches" leaf,
// the only matcher a fallback rule may be registered with.
func (m *Matcher) Always() bool { return m.always }

// Method matches the HTTP method case-insensitively.
func Method(method string) *Matcher {
	method = strings.ToUpper(method)
	return &Matcher{eval: func(r *ruledata.Request) bool {
		return strings.ToUpper(r.Method) == method
	}}
}

// Protocol matches the request scheme ("http" or "https").
func Protocol(scheme ruledata.Scheme) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool { return r.Scheme == scheme }}
}

// Port matches the request's effective port (explicit, or the scheme
// default when unset).
func Port(port int) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		p := r.Port
		if p == 0 {
			p = defaultPortFor(r.Scheme)
		}
		return p == port
	}}
}

// Hostname matches r.Host. The pattern is treated as a glob whenever it
// contains '*' or '?'; otherwise as a plain case-sensitive compare —
// mirroring the teacher's mixed literal/glob Path matcher in
// internal/engine/matcher.go.
func Hostname(pattern string) *Matcher {
	if isGlobPattern(pattern) {
		g := glob.MustCompile(pattern)
		return &Matcher{eval: func(r *ruledata.Request) bool { return g.Match(r.Host) }}
	}
	return &Matcher{eval: func(r *ruledata.Request) bool { return r.Host == pattern }}
}

// ExactPath matches the request's path under the relative /
// host-relative / absolute-URL policy: a leading '/' compares against
// the path alone; a "host:port/path"-shaped string compares against
// host[:port]+path; an "http(s)://" string compares the full URL, in
// both cases with the query string stripped.
func ExactPath(pattern string) *Matcher {
	target := pathMatchTarget(pattern)
	usesGlob := isGlobPattern(pattern)
	var g glob.Glob
	if usesGlob {
		g = glob.MustCompile(pattern)
	}
	return &Matcher{eval: func(r *ruledata.Request) bool {
		candidate := target(r)
		if usesGlob {
			return g.Match(candidate)
		}
		return candidate == pattern
	}}
}

// RegexPath matches the request's path (query stripped) against re.
func RegexPath(re *regexp.Regexp) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		return re.MatchString(r.Path)
	}}
}

// RegexURL matches the absolute URL (query stripped) first, then falls
// back to matching the path alone — spec behavior for a regex string
// matcher, which does not disambiguate relative/absolute the way a
// literal string matcher does.
func RegexURL(re *regexp.Regexp) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		if re.MatchString(stripQuery(r.URL())) {
			return true
		}
		return re.MatchString(r.Path)
	}}
}

// Query matches that every key/value pair in want is present among the
// request's parsed query parameters (subset match, not exact).
func Query(want map[string][]string) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		got, err := url.ParseQuery(r.RawQuery)
		if err != nil {
			return false
		}
		for k, vs := range want {
			gotVals := got[k]
			for _, v := range vs {
				if !containsString(gotVals, v) {
					return false
				}
			}
		}
		return true
	}}
}

// ExactQuery matches the raw query string verbatim (order-sensitive).
func ExactQuery(raw string) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool { return r.RawQuery == raw }}
}

// Header matches a header's value either by exact case-insensitive
// compare (when re is nil) or by regex (when re is non-nil).
func Header(name, value string, re *regexp.Regexp) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		for _, v := range r.Header.Values(name) {
			if re != nil {
				if re.MatchString(v) {
					return true
				}
				continue
			}
			if strings.EqualFold(v, value) {
				return true
			}
		}
		return false
	}}
}

// Cookie matches a Cookie header containing name=value as one of its
// semicolon-separated pairs.
func Cookie(name, value string) *Matcher {
	want := name + "=" + value
	return &Matcher{eval: func(r *ruledata.Request) bool {
		for _, raw := range r.Header.Values("Cookie") {
			for _, pair := range strings.Split(raw, ";") {
				if strings.TrimSpace(pair) == want {
					return true
				}
			}
		}
		return false
	}}
}

// BodyKind selects how BodyMatch interprets its pattern.
type BodyKind int

const (
	BodyContains BodyKind = iota
	BodyJSONMatches
	BodyFormMatches
)

// Body matches the request body per kind. A dropped body (one that
// exceeded maxBodySize on the wire) is treated as empty, per spec.
func Body(kind BodyKind, pattern string, jsonEqual func(body []byte) bool) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		if r.Body.Dropped {
			return bodyMatchesEmpty(kind, pattern)
		}
		switch kind {
		case BodyContains:
			return strings.Contains(string(r.Body.Bytes), pattern)
		case BodyJSONMatches:
			return jsonEqual != nil && jsonEqual(r.Body.Bytes)
		case BodyFormMatches:
			return formMatches(r.Body.Bytes, pattern)
		default:
			return false
		}
	}}
}

func bodyMatchesEmpty(kind BodyKind, pattern string) bool {
	switch kind {
	case BodyContains:
		return pattern == ""
	default:
		return false
	}
}

func formMatches(body []byte, rawWant string) bool {
	want, err := url.ParseQuery(rawWant)
	if err != nil {
		return false
	}
	got, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	for k, vs := range want {
		gotVals := got[k]
		for _, v := range vs {
			if !containsString(gotVals, v) {
				return false
			}
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?")
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func defaultPortFor(s ruledata.Scheme) int {
	if s == ruledata.SchemeHTTPS {
		return 443
	}
	return 80
}

// pathMatchTarget classifies pattern as relative / host-relative /
// absolute per spec.md §4.1 and returns the function that extracts the
// corresponding comparison target from a request.
func pathMatchTarget(pattern string) func(r *ruledata.Request) string {
	switch {
	case strings.HasPrefix(pattern, "http://"), strings.HasPrefix(pattern, "https://"):
		return func(r *ruledata.Request) string { return stripQuery(r.URL()) }
	case strings.HasPrefix(pattern, "/"):
		return func(r *ruledata.Request) string { return r.Path }
	case isHostRelative(pattern):
		return func(r *ruledata.Request) string { return r.HostPort() + r.Path }
	default:
		return func(r *ruledata.Request) string { return r.Path }
	}
}

// isHostRelative reports whether pattern looks like "host[:port]/path"
// — no scheme, but a ':' appears before the first '/'.
func isHostRelative(pattern string) bool {
	if strings.Contains(pattern, "://") {
		return false
	}
	slash := strings.IndexByte(pattern, '/')
	colon := strings.IndexByte(pattern, ':')
	return colon >= 0 && (slash < 0 || colon < slash)
}
