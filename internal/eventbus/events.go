package eventbus

import "time"

// Kind identifies the category of an Event, used to route it to the
// subscribers registered for that kind only.
type Kind string

const (
	KindRequestInitiated Kind = "request-initiated"
	KindRequest          Kind = "request"
	KindResponse         Kind = "response"
	KindAbort            Kind = "abort"
	KindClientError      Kind = "client-error"
	KindTLSClientError   Kind = "tls-client-error"
)

// Event is the flat, JSON-shaped payload delivered to subscribers.
// Shape mirrors the teacher's audit.Entry (flat, tagged fields, no
// hash chain — the event bus is fire-and-forget, not a tamper-evident
// ledger).
type Event struct {
	Kind       Kind      `json:"kind"`
	RequestID  uint64    `json:"requestId"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method,omitempty"`
	URL        string    `json:"url,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	SNI        string    `json:"sni,omitempty"`
	Message    string    `json:"message,omitempty"`
}
