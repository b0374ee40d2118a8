package api

import "time"

// Decision represents the outcome of a policy check on one key or request.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// EventKind identifies the type of an audit event.
type EventKind string

const (
	EventClientConnect      EventKind = "client_connect"
	EventClientDisconnect   EventKind = "client_disconnect"
	EventKeyAllowed         EventKind = "key_allowed"
	EventKeyFiltered        EventKind = "key_filtered"
	EventSignRequest        EventKind = "sign_request"
	EventSignResponse       EventKind = "sign_response"
	EventIdentitiesResponse EventKind = "identities_response"
	EventUpstreamError      EventKind = "upstream_error"
	EventMonitorTrigger     EventKind = "monitor_trigger"
	EventRateLimited        EventKind = "rate_limited"
)

// Event is a single audited proxy action, written as one JSONL line.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"event"`
	Socket      string    `json:"socket,omitempty"`
	Upstream    string    `json:"upstream,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	KeyType     string    `json:"key_type,omitempty"`
	Decision    Decision  `json:"decision,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	KeyCount    int       `json:"key_count,omitempty"`
	Filtered    int       `json:"filtered_count,omitempty"`
}

// CheckResult is the outcome of validating a topology without binding
// any socket, used by the config command.
type CheckResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}
