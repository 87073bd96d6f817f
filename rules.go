package mockwire

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mockwire/mockwire/internal/dispatch"
	"github.com/mockwire/mockwire/internal/matching"
	"github.com/mockwire/mockwire/internal/ruledata"
)

// Endpoint is a handle to a registered rule. It holds only the rule's
// id, not a pointer to the rule itself. IsPending looks the rule up in
// the store on every call, so after a Reset or explicit removal it
// reports false rather than reaching through to a rule that no longer
// exists. InvocationCount and SeenRequests read the dispatcher's
// counter and the seen-request log by id: after a removal they keep
// reporting the last recorded values; after a Reset they report zero
// and nothing.
type Endpoint struct {
	id       string
	server   *Server
	protocol ruledata.RuleProtocol
}

// ID returns the endpoint's rule id.
func (e *Endpoint) ID() string { return e.id }

// IsPending reports whether the endpoint's rule is still registered and
// has not exhausted its completion limit (a rule with no limit is
// always pending while it remains registered).
func (e *Endpoint) IsPending() bool {
	rule := e.server.findRule(e.id)
	if rule == nil {
		return false
	}
	if rule.CompletionLimit == ruledata.Unlimited {
		return true
	}
	return e.server.dispatcher.InvocationCount(e.id) < rule.CompletionLimit
}

// InvocationCount reports how many times this endpoint's rule has
// matched and been dispatched to since the last Reset.
func (e *Endpoint) InvocationCount() int {
	return e.server.dispatcher.InvocationCount(e.id)
}

// SeenRequests returns every recorded exchange for this endpoint, oldest
// first. Returns an empty slice, not an error, when traffic recording
// is disabled — callers that want to distinguish "disabled" from "none
// yet" should check Options.RecordTraffic on the server they built.
func (e *Endpoint) SeenRequests() ([]dispatch.Entry, error) {
	if e.server.seenLog == nil {
		return nil, nil
	}
	return e.server.seenLog.ForRule(e.id)
}

// RuleBuilder accumulates matcher and registration state for one rule
// before a terminal Then* method commits it to the store.
type RuleBuilder struct {
	server          *Server
	protocol        ruledata.RuleProtocol
	matcher         *matching.Matcher
	completionLimit int
	recordTraffic   bool
	header          ruledata.Header
	err             error
}

func (s *Server) newBuilder(protocol ruledata.RuleProtocol, m *matching.Matcher) *RuleBuilder {
	return &RuleBuilder{server: s, protocol: protocol, matcher: m, recordTraffic: true}
}

// Get starts a rule matching GET requests to path.
func (s *Server) Get(path string) *RuleBuilder { return s.method("GET", path) }

// Post starts a rule matching POST requests to path.
func (s *Server) Post(path string) *RuleBuilder { return s.method("POST", path) }

// Put starts a rule matching PUT requests to path.
func (s *Server) Put(path string) *RuleBuilder { return s.method("PUT", path) }

// Delete starts a rule matching DELETE requests to path.
func (s *Server) Delete(path string) *RuleBuilder { return s.method("DELETE", path) }

// Patch starts a rule matching PATCH requests to path.
func (s *Server) Patch(path string) *RuleBuilder { return s.method("PATCH", path) }

// Head starts a rule matching HEAD requests to path.
func (s *Server) Head(path string) *RuleBuilder { return s.method("HEAD", path) }

// Options starts a rule matching OPTIONS requests to path. Fails at
// registration time with a ConfigError if the server has CORS
// auto-handling enabled, since the two would otherwise race to answer
// the same preflight request.
func (s *Server) Options(path string) *RuleBuilder {
	b := s.method("OPTIONS", path)
	if s.opts.CORS != nil {
		b.err = configErrorf("options: cannot register a manual OPTIONS rule while CORS auto-handling is enabled")
	}
	return b
}

func (s *Server) method(verb, path string) *RuleBuilder {
	return s.newBuilder(ruledata.ProtoHTTPRule, matching.All(matching.Method(verb), matching.ExactPath(path)))
}

// AnyRequest starts a rule matching every HTTP request, regardless of
// method, path, or anything else. Unlike UnmatchedRequest, this is an
// ordinary rule that takes its place in the HTTP sequence in
// registration order — it is not treated as the fallback.
func (s *Server) AnyRequest() *RuleBuilder {
	return s.newBuilder(ruledata.ProtoHTTPRule, matching.Everything())
}

// UnmatchedRequest starts the fallback rule: consulted only when no
// other HTTP rule matches or every matching rule has exhausted its
// completion limit. Registration fails with a ConfigError if a
// fallback rule is already registered.
func (s *Server) UnmatchedRequest() *RuleBuilder {
	return s.newBuilder(ruledata.ProtoHTTPRule, matching.All())
}

// AnyWebSocket starts a rule matching every WebSocket upgrade request.
// Grounded on the same Everything() vs All() distinction as AnyRequest:
// there is no WebSocket fallback slot, but using Everything() here too
// keeps the two verbs consistent and avoids relying on the absence of
// WS fallback routing as the only thing saving this from the same bug.
func (s *Server) AnyWebSocket() *RuleBuilder {
	return s.newBuilder(ruledata.ProtoWebSocketRule, matching.Everything())
}

// Match starts a rule against an arbitrary caller-built matcher, for
// cases none of the verb helpers cover.
func (s *Server) Match(m *matching.Matcher) *RuleBuilder {
	return s.newBuilder(ruledata.ProtoHTTPRule, m)
}

// MatchWebSocket starts a WebSocket rule against an arbitrary
// caller-built matcher.
func (s *Server) MatchWebSocket(m *matching.Matcher) *RuleBuilder {
	return s.newBuilder(ruledata.ProtoWebSocketRule, m)
}

// Times caps the number of requests this rule will answer before it
// stops matching (falling through to the next eligible rule, or the
// fallback). The default, if Times is never called, is unlimited.
func (b *RuleBuilder) Times(n int) *RuleBuilder {
	b.completionLimit = n
	return b
}

// Once is shorthand for Times(1).
func (b *RuleBuilder) Once() *RuleBuilder { return b.Times(1) }

// WithoutRecordingTraffic disables population of this rule's seen-
// requests log, even when the server was built with traffic recording
// enabled.
func (b *RuleBuilder) WithoutRecordingTraffic() *RuleBuilder {
	b.recordTraffic = false
	return b
}

// WithHeader adds a response header sent alongside ThenReply/ThenFile.
func (b *RuleBuilder) WithHeader(name, value string) *RuleBuilder {
	b.header.Add(name, value)
	return b
}

func (b *RuleBuilder) build(h ruledata.Handler) (*Endpoint, error) {
	if b.err != nil {
		return nil, b.err
	}
	rule := &ruledata.Rule{
		ID:              uuid.NewString(),
		Protocol:        b.protocol,
		Matcher:         b.matcher,
		CompletionLimit: b.completionLimit,
		Handler:         h,
		RecordTraffic:   b.recordTraffic,
	}
	return b.server.registerRule(rule)
}

// registerRule enforces the single-fallback invariant and commits rule
// to the store.
func (s *Server) registerRule(rule *ruledata.Rule) (*Endpoint, error) {
	if rule.IsFallback() {
		if existing := s.store.Snapshot().Fallback; existing != nil {
			return nil, configErrorf("a fallback rule is already registered (id %q); remove it before adding another", existing.ID)
		}
		s.store.SetFallback(rule)
	} else {
		s.store.Add(rule)
	}
	return &Endpoint{id: rule.ID, server: s, protocol: rule.Protocol}, nil
}

// ThenReply responds with status and body to every matching request
// (subject to Times), merging in any headers set via WithHeader.
func (b *RuleBuilder) ThenReply(status int, body []byte) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerReply, Status: status, Body: body, Header: b.header})
}

// ThenStreamReply responds with status and streams body to the client
// as it is read, without buffering it first.
func (b *RuleBuilder) ThenStreamReply(status int, body io.Reader) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerStreamReply, Status: status, Stream: body, RespHdr: b.header})
}

// ThenFile responds with status and the contents of path, read fresh
// on every matching request.
func (b *RuleBuilder) ThenFile(status int, path string) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerFile, Status: status, FilePath: path, Header: b.header})
}

// ThenCallback invokes fn for every matching request and replies with
// whatever it returns, bounded by the executor's default timeout.
func (b *RuleBuilder) ThenCallback(fn ruledata.CallbackFunc) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerCallback, Callback: fn})
}

// ThenCallbackTimeout is ThenCallback with an explicit per-invocation
// timeout instead of the executor's default.
func (b *RuleBuilder) ThenCallbackTimeout(fn ruledata.CallbackFunc, timeout time.Duration) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerCallback, Callback: fn, CallbackTimeout: timeout})
}

// ThenTimeout accepts the connection and never writes a response,
// simulating an origin that hangs.
func (b *RuleBuilder) ThenTimeout() (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerTimeout})
}

// ThenCloseConnection closes the underlying connection without writing
// any response bytes. On a WebSocket rule this sends a close frame
// instead (see CloseCode/CloseReason on the rule's handler).
func (b *RuleBuilder) ThenCloseConnection() (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerCloseConnection})
}

// ThenCloseConnectionWithCode is ThenCloseConnection for a WebSocket
// rule, sending a canned close frame with the given code and reason
// instead of dropping the raw socket.
func (b *RuleBuilder) ThenCloseConnectionWithCode(code int, reason string) (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerCloseConnection, CloseCode: code, CloseReason: reason})
}

// ThenResetConnection sends a TCP RST instead of a graceful close.
func (b *RuleBuilder) ThenResetConnection() (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerResetConnection})
}

// ThenPassThrough forwards the request to its original destination
// (or to TargetOverrides, when set on cfg) and relays the origin's
// response back to the client.
func (b *RuleBuilder) ThenPassThrough(cfg *ruledata.Passthrough) (*Endpoint, error) {
	if cfg == nil {
		cfg = &ruledata.Passthrough{}
	}
	return b.build(ruledata.Handler{Kind: ruledata.HandlerPassthrough, Passthrough: cfg})
}

// ThenEcho is a WebSocket-only handler that echoes every inbound frame
// back to the peer verbatim until the connection closes.
func (b *RuleBuilder) ThenEcho() (*Endpoint, error) {
	return b.build(ruledata.Handler{Kind: ruledata.HandlerEcho})
}

// AddRequestRules registers each rule with the HTTP sequence (or the
// fallback slot, for an always-matching rule), preserving whatever is
// already registered.
func (s *Server) AddRequestRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	return s.addRules(ruledata.ProtoHTTPRule, rules)
}

// SetRequestRules replaces the entire HTTP rule sequence, leaving the
// fallback rule and the WebSocket sequence untouched.
func (s *Server) SetRequestRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	for _, r := range rules {
		r.Protocol = ruledata.ProtoHTTPRule
	}
	s.store.SetHTTPRules(rules)
	return endpointsFor(s, rules), nil
}

// AddWebSocketRules registers each rule with the WebSocket sequence.
func (s *Server) AddWebSocketRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	return s.addRules(ruledata.ProtoWebSocketRule, rules)
}

// SetWebSocketRules replaces the entire WebSocket rule sequence.
func (s *Server) SetWebSocketRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	for _, r := range rules {
		r.Protocol = ruledata.ProtoWebSocketRule
	}
	s.store.SetWebSocketRules(rules)
	return endpointsFor(s, rules), nil
}

func (s *Server) addRules(protocol ruledata.RuleProtocol, rules []*ruledata.Rule) ([]*Endpoint, error) {
	eps := make([]*Endpoint, 0, len(rules))
	for _, r := range rules {
		r.Protocol = protocol
		ep, err := s.registerRule(r)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func endpointsFor(s *Server, rules []*ruledata.Rule) []*Endpoint {
	eps := make([]*Endpoint, len(rules))
	for i, r := range rules {
		eps[i] = &Endpoint{id: r.ID, server: s, protocol: r.Protocol}
	}
	return eps
}

// AddRule is a deprecated alias for AddRequestRules with a single rule.
//
// Deprecated: use AddRequestRules.
func (s *Server) AddRule(rule *ruledata.Rule) (*Endpoint, error) {
	eps, err := s.AddRequestRules(rule)
	if err != nil {
		return nil, err
	}
	return eps[0], nil
}

// AddRules is a deprecated alias for AddRequestRules.
//
// Deprecated: use AddRequestRules.
func (s *Server) AddRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	return s.AddRequestRules(rules...)
}

// SetRule is a deprecated alias for SetRequestRules with a single rule.
//
// Deprecated: use SetRequestRules.
func (s *Server) SetRule(rule *ruledata.Rule) (*Endpoint, error) {
	eps, err := s.SetRequestRules(rule)
	if err != nil {
		return nil, err
	}
	return eps[0], nil
}

// SetRules is a deprecated alias for SetRequestRules.
//
// Deprecated: use SetRequestRules.
func (s *Server) SetRules(rules ...*ruledata.Rule) ([]*Endpoint, error) {
	return s.SetRequestRules(rules...)
}

// RemoveRule unregisters the rule behind ep, wherever it currently
// lives (HTTP sequence, WebSocket sequence, or the fallback slot).
func (s *Server) RemoveRule(ep *Endpoint) bool {
	return s.store.Remove(ep.id)
}

// MockedEndpoints returns a handle for every currently registered rule,
// HTTP and WebSocket, including the fallback if one is set.
func (s *Server) MockedEndpoints() []*Endpoint {
	snap := s.store.Snapshot()
	eps := make([]*Endpoint, 0, len(snap.HTTP)+len(snap.WS)+1)
	for _, r := range snap.HTTP {
		eps = append(eps, &Endpoint{id: r.ID, server: s, protocol: r.Protocol})
	}
	for _, r := range snap.WS {
		eps = append(eps, &Endpoint{id: r.ID, server: s, protocol: r.Protocol})
	}
	if snap.Fallback != nil {
		eps = append(eps, &Endpoint{id: snap.Fallback.ID, server: s, protocol: snap.Fallback.Protocol})
	}
	return eps
}

// PendingEndpoints returns MockedEndpoints filtered to those that have
// not yet exhausted their completion limit.
func (s *Server) PendingEndpoints() []*Endpoint {
	all := s.MockedEndpoints()
	out := all[:0]
	for _, ep := range all {
		if ep.IsPending() {
			out = append(out, ep)
		}
	}
	return out
}

const corsPreflightHeader = "mockwire-cors-preflight"

// installCORSRule registers (or re-registers, after Reset) the
// synthetic rule that answers every OPTIONS request automatically.
// It always matches on method alone so a request to any path is
// answered, and it is removed and reinstalled on Reset so the rule
// survives a test's call to clear everything else.
func (s *Server) installCORSRule(cors CORSOptions) {
	var hdr ruledata.Header
	hdr.Set("Access-Control-Allow-Origin", cors.AllowedOrigin)
	hdr.Set("Access-Control-Allow-Methods", joinComma(cors.AllowedMethods))
	hdr.Set("Access-Control-Allow-Headers", joinComma(cors.AllowedHeaders))
	hdr.Set("Access-Control-Max-Age", cors.MaxAge.String())
	hdr.Set(corsPreflightHeader, "1")

	rule := &ruledata.Rule{
		ID:       "mockwire-cors-preflight",
		Protocol: ruledata.ProtoHTTPRule,
		Matcher:  matching.Method("OPTIONS"),
		Handler:  ruledata.Handler{Kind: ruledata.HandlerReply, Status: 204, Header: hdr},
	}
	s.corsRuleID = rule.ID
	s.store.Add(rule)
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
