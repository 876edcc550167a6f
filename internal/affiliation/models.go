// Package affiliation orchestrates the affiliation-check flow: input
// validation, idempotent replay, rate limiting, policy shortcuts, the broker
// call, and the final response shape.
package affiliation

import (
	"net/http"

	"affgate/internal/upstream"
)

// Code is the stable machine-readable outcome code returned to clients.
type Code string

const (
	CodeInvalidMethod       Code = "INVALID_METHOD"
	CodeInvalidJSON         Code = "INVALID_JSON"
	CodeInvalidEmail        Code = "INVALID_EMAIL"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeOriginNotAllowed    Code = "ORIGIN_NOT_ALLOWED"
	CodeServiceDisabled     Code = "SERVICE_DISABLED"
	CodeUpstreamAuth        Code = Code(upstream.KindAuth)
	CodeUpstreamThrottled   Code = Code(upstream.KindThrottled)
	CodeUpstreamUnavailable Code = Code(upstream.KindUnavailable)
	CodeUpstreamError       Code = Code(upstream.KindError)
	CodeInternalError       Code = "INTERNAL_ERROR"
)

// Source identifies which path produced a positive or negative affiliation
// answer.
const (
	SourceDemoBypass   = "demo-bypass"
	SourceExistingUser = "existing-user"
	SourceBrokerAPI    = "exness-api"
)

// ValidationRequest is the inbound body. Email is the only client-controlled
// field.
type ValidationRequest struct {
	Email string `json:"email"`
}

// ResponseData carries the business answer on success.
type ResponseData struct {
	IsAffiliated bool   `json:"is_affiliated"`
	ClientUID    string `json:"client_uid,omitempty"`
	PartnerID    string `json:"partner_id,omitempty"`
	Source       string `json:"source"`
}

// ValidationResponse is the wire shape for every outcome, success or error.
// Once produced for an idempotency key it is replayed verbatim.
type ValidationResponse struct {
	OK          bool          `json:"ok"`
	Code        Code          `json:"code,omitempty"`
	Message     string        `json:"message,omitempty"`
	Data        *ResponseData `json:"data,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	RetryAfter  int           `json:"retry_after,omitempty"`
}

// statusByCode maps every outcome code to its HTTP status.
var statusByCode = map[Code]int{
	CodeInvalidMethod:       http.StatusMethodNotAllowed,
	CodeInvalidJSON:         http.StatusBadRequest,
	CodeInvalidEmail:        http.StatusBadRequest,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeOriginNotAllowed:    http.StatusForbidden,
	CodeServiceDisabled:     http.StatusServiceUnavailable,
	CodeUpstreamAuth:        http.StatusUnauthorized,
	CodeUpstreamThrottled:   http.StatusTooManyRequests,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeUpstreamError:       http.StatusBadGateway,
	CodeInternalError:       http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for a code, defaulting to 500 so an
// unmapped code can never surface as a false success.
func HTTPStatus(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// messageByCode provides the human-readable companion to each code.
var messageByCode = map[Code]string{
	CodeInvalidMethod:       "method not allowed",
	CodeInvalidJSON:         "request body is not valid JSON",
	CodeInvalidEmail:        "email is missing or not a valid address",
	CodeRateLimited:         "too many requests, slow down",
	CodeOriginNotAllowed:    "origin is not allowed",
	CodeServiceDisabled:     "affiliation checks are temporarily disabled",
	CodeUpstreamAuth:        "broker rejected our credentials",
	CodeUpstreamThrottled:   "broker is throttling requests",
	CodeUpstreamUnavailable: "broker is unavailable",
	CodeUpstreamError:       "broker request failed",
	CodeInternalError:       "internal error",
}

// ErrorResponse builds the canonical error body for a code.
func ErrorResponse(code Code) ValidationResponse {
	return ValidationResponse{
		OK:      false,
		Code:    code,
		Message: messageByCode[code],
	}
}
