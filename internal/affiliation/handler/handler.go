// Package handler exposes the affiliation-check flow over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"affgate/internal/affiliation"
	"affgate/pkg/platform/httputil"
	"affgate/pkg/requestcontext"
)

// maxBodyBytes bounds the request body; the only expected payload is a short
// JSON object with one email field.
const maxBodyBytes = 1 << 16

// Service defines the orchestrator operations the handler depends on.
type Service interface {
	Check(ctx context.Context, in affiliation.Input) affiliation.Reply
	RejectTransport(ctx context.Context, code affiliation.Code, in affiliation.Input) affiliation.Reply
}

// Handler wires the affiliation endpoints to the orchestrator.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an affiliation handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the affiliation endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/affiliation-check", h.HandleCheck)
	r.Options("/affiliation-check", h.HandlePreflight)
	r.MethodNotAllowed(h.HandleInvalidMethod)
}

// HandleCheck handles POST /affiliation-check requests.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in := inputFromRequest(r)

	var req affiliation.ValidationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.InfoContext(ctx, "rejected unparsable body",
			"request_id", in.RequestID,
			"error", err,
		)
		h.write(w, r, h.service.RejectTransport(ctx, affiliation.CodeInvalidJSON, in))
		return
	}

	in.Email = req.Email
	h.write(w, r, h.service.Check(ctx, in))
}

// HandlePreflight answers the CORS preflight for browser callers. The
// preflight is always permissive; origin policy is enforced on the actual
// request.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Idempotency-Key, X-Request-Id")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

// HandleInvalidMethod rejects any verb other than POST/OPTIONS with the
// stable JSON error shape instead of the router's default empty 405.
func (h *Handler) HandleInvalidMethod(w http.ResponseWriter, r *http.Request) {
	in := inputFromRequest(r)
	h.write(w, r, h.service.RejectTransport(r.Context(), affiliation.CodeInvalidMethod, in))
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, reply affiliation.Reply) {
	setCORSHeaders(w, r)
	if reply.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(reply.RetryAfter))
	}
	httputil.WriteJSONBytes(w, reply.Status, reply.Body)
}

func inputFromRequest(r *http.Request) affiliation.Input {
	ctx := r.Context()
	return affiliation.Input{
		Origin:         r.Header.Get("Origin"),
		IdempotencyKey: requestcontext.IdempotencyKey(ctx),
		ClientIP:       requestcontext.ClientIP(ctx),
		UserAgent:      requestcontext.UserAgent(ctx),
		RequestID:      requestcontext.RequestID(ctx),
	}
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
}
