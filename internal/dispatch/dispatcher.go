// Package dispatch implements the rule dispatcher (C3): given a parsed
// request, scans the eligible rule sequence in order and resolves
// exactly one outcome — a matching rule, the fallback rule, or a
// synthesized 503 miss.
//
// Grounded on internal/engine/engine.go's Engine.Evaluate (RLock,
// ordered scan, first-match-wins), generalized with a per-rule atomic
// invocation counter for the completionLimit race described in
// spec.md §4.3.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/mockwire/mockwire/internal/ruledata"
)

// Outcome is the result of dispatching one request.
type Outcome struct {
	Rule       *ruledata.Rule // nil when Miss is true
	Miss       bool
	MissBody   string
	StatusCode int // 503 when Miss
}

// Dispatcher resolves requests against a ruledata.RuleStore.
type Dispatcher struct {
	store          *ruledata.RuleStore
	invocations    *invocationTable
	suggestChanges bool
}

// New returns a Dispatcher reading rules from store.
func New(store *ruledata.RuleStore, suggestChanges bool) *Dispatcher {
	return &Dispatcher{
		store:          store,
		invocations:    newInvocationTable(),
		suggestChanges: suggestChanges,
	}
}

// Dispatch resolves req against the HTTP rule sequence.
func (d *Dispatcher) Dispatch(req *ruledata.Request) Outcome {
	snap := d.store.Snapshot()
	return d.dispatchAgainst(snap.HTTP, snap.Fallback, req)
}

// DispatchWebSocket resolves req against the WebSocket rule sequence.
func (d *Dispatcher) DispatchWebSocket(req *ruledata.Request) Outcome {
	snap := d.store.Snapshot()
	return d.dispatchAgainst(snap.WS, nil, req)
}

func (d *Dispatcher) dispatchAgainst(rules []*ruledata.Rule, fallback *ruledata.Rule, req *ruledata.Request) Outcome {
	for _, rule := range rules {
		if !rule.Matcher.Evaluate(req) {
			continue
		}
		if d.tryClaim(rule) {
			return Outcome{Rule: rule}
		}
		// Exhausted: fall through to the next eligible rule, per the
		// tie-breaking policy in spec.md §4.3.
	}
	if fallback != nil {
		return Outcome{Rule: fallback}
	}
	return Outcome{Miss: true, StatusCode: 503, MissBody: d.missBody(req, rules)}
}

// tryClaim reports whether rule has remaining completionLimit
// capacity and, if so, atomically claims one invocation. Unlimited
// rules (CompletionLimit == ruledata.Unlimited) always succeed; their
// counter is still incremented so InvocationCount reports a total, but
// it is never compared against a limit, so they never exhaust.
func (d *Dispatcher) tryClaim(rule *ruledata.Rule) bool {
	if rule.CompletionLimit == ruledata.Unlimited {
		d.invocations.increment(rule.ID)
		return true
	}
	return d.invocations.claim(rule.ID, rule.CompletionLimit)
}

// InvocationCount reports how many times ruleID has been successfully
// dispatched to since the last Reset.
func (d *Dispatcher) InvocationCount(ruleID string) int {
	return d.invocations.count(ruleID)
}

// Reset clears every rule's invocation counter. It does not touch the
// RuleStore — callers reset that separately.
func (d *Dispatcher) Reset() {
	d.invocations.reset()
}

// missBody synthesizes the 503 explanation body. Tests should match
// on substring, not full text, per spec.
func (d *Dispatcher) missBody(req *ruledata.Request, candidates []*ruledata.Rule) string {
	var b strings.Builder
	b.WriteString("No rules were found matching this request.\n\n")
	fmt.Fprintf(&b, "Request: %s %s\n", req.Method, req.URL())
	if len(candidates) > 0 {
		b.WriteString("\nRegistered rules were checked in order but none matched or all were exhausted.\n")
	} else {
		b.WriteString("\nNo rules are currently registered.\n")
	}
	if d.suggestChanges {
		fmt.Fprintf(&b, "\nTo handle this request, try:\n\n\tserver.Get(%q).ThenReply(200, \"OK\")\n", req.Path)
	}
	return b.String()
}
