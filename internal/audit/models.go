package audit

import "time"

// Action classifies each terminal outcome the gateway can produce. Every
// request ends in exactly one of these.
type Action string

const (
	ActionInvalidInput    Action = "validation_invalid_input"
	ActionRateLimited     Action = "validation_rate_limited"
	ActionOriginRejected  Action = "validation_origin_rejected"
	ActionServiceDisabled Action = "validation_service_disabled"
	ActionUpstreamFailed  Action = "validation_upstream_failed"
	ActionInternalError   Action = "validation_internal_error"
	ActionAffiliated      Action = "validation_affiliated"
	ActionNotAffiliated   Action = "validation_not_affiliated"
	ActionDemoBypass      Action = "validation_demo_bypass"
)

// Record is emitted from the orchestrator to capture a terminal outcome. Keep
// it transport-agnostic so sinks can fan out. Identity is always the masked
// form; a raw email must never reach a sink.
type Record struct {
	ID        string            `json:"id"`
	Action    Action            `json:"action"`
	Identity  string            `json:"identity,omitempty"` // masked, e.g. "abc***@domain.com"
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
