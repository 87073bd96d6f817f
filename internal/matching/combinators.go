package matching

import "github.com/mockwire/mockwire/internal/ruledata"

// All builds a combinator that matches only if every child matches,
// short-circuiting on the first false. Child order is preserved for
// diagnostics but has no bearing on the result. An empty All matches
// everything and reports Always() == true — this is how the fallback
// rule (UnmatchedRequest) is built, and it is the only matcher shape a
// fallback rule may use.
func All(children ...*Matcher) *Matcher {
	if len(children) == 0 {
		return &Matcher{eval: func(*ruledata.Request) bool { return true }, always: true}
	}
	return &Matcher{eval: func(r *ruledata.Request) bool {
		for _, c := range children {
			if !c.Evaluate(r) {
				return false
			}
		}
		return true
	}}
}

// Everything matches every request, exactly like an empty All(), but
// reports Always() == false. Use this for an ordinary rule that should
// match unconditionally yet still take its place in the HTTP sequence
// instead of being swept into the fallback slot by RuleStore.Add, which
// routes any Always() matcher there regardless of caller intent.
func Everything() *Matcher {
	return &Matcher{eval: func(*ruledata.Request) bool { return true }}
}

// Any builds a combinator that matches if at least one child matches,
// short-circuiting on the first true.
func Any(children ...*Matcher) *Matcher {
	return &Matcher{eval: func(r *ruledata.Request) bool {
		for _, c := range children {
			if c.Evaluate(r) {
				return true
			}
		}
		return false
	}}
}
