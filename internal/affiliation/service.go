package affiliation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"affgate/internal/affiliation/metrics"
	"affgate/internal/audit"
	"affgate/internal/device"
	"affgate/internal/idempotency"
	ratelimit "affgate/internal/ratelimit/models"
	"affgate/internal/upstream"
	"affgate/pkg/email"
	"affgate/pkg/platform/privacy"
	"affgate/pkg/platform/sentinel"
)

// RateLimiter evaluates the dual admission windows.
type RateLimiter interface {
	Check(ctx context.Context, clientID, identityKey string) (*ratelimit.Result, error)
}

// IdempotencyStore replays previously computed responses.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (idempotency.Entry, bool, error)
	Put(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error
}

// IdentityStore answers whether a platform user already exists for an email.
type IdentityStore interface {
	Exists(ctx context.Context, normalizedEmail string) (bool, error)
}

// BrokerClient performs the live affiliation check.
type BrokerClient interface {
	CheckAffiliation(ctx context.Context, normalizedEmail string) (upstream.CheckResult, error)
}

// Config carries the policy knobs the orchestrator branches on.
type Config struct {
	PartnerID       string
	DemoMode        bool
	UpstreamEnabled bool
	AllowedOrigins  []string
	IdempotencyTTL  time.Duration
}

// Input is one inbound check, already stripped of transport detail.
type Input struct {
	Email          string
	Origin         string
	IdempotencyKey string
	ClientIP       string
	UserAgent      string
	RequestID      string
}

// Reply is the shaped outcome the transport layer writes out verbatim.
type Reply struct {
	Status     int
	Body       []byte
	RetryAfter int
	Replayed   bool
}

// Service is the request orchestrator. All shared mutable state lives behind
// the injected collaborators so the flow itself is stateless and testable.
type Service struct {
	cfg      Config
	limiter  RateLimiter
	idem     IdempotencyStore
	identity IdentityStore
	broker   BrokerClient
	auditor  *audit.Publisher

	demoMatch func(normalizedEmail string) bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDemoMatcher overrides the predicate that decides which identities the
// demo bypass applies to.
func WithDemoMatcher(match func(normalizedEmail string) bool) Option {
	return func(s *Service) {
		s.demoMatch = match
	}
}

// New builds the orchestrator. identity may be nil when no user store is
// wired, which disables the existing-user shortcut.
func New(cfg Config, limiter RateLimiter, idem IdempotencyStore, identity IdentityStore, broker BrokerClient, auditor *audit.Publisher, opts ...Option) *Service {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	s := &Service{
		cfg:       cfg,
		limiter:   limiter,
		idem:      idem,
		identity:  identity,
		broker:    broker,
		auditor:   auditor,
		demoMatch: defaultDemoMatcher,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultDemoMatcher covers the conventional test identities used in
// environments without live broker credentials.
func defaultDemoMatcher(normalizedEmail string) bool {
	return strings.HasPrefix(normalizedEmail, "demo@") || strings.HasSuffix(normalizedEmail, "@test.com")
}

// Check runs the full validation flow for one request and returns the shaped
// reply. Every path through here ends in exactly one audit record, except
// idempotent replays which reuse the original outcome's record.
func (s *Service) Check(ctx context.Context, in Input) Reply {
	normalized := email.Normalize(in.Email)
	if !email.Valid(normalized) {
		s.audit(ctx, audit.ActionInvalidInput, normalized, in, nil)
		return s.respond(ctx, in, ErrorResponse(CodeInvalidEmail))
	}

	// Idempotent replay happens before rate limiting so a legitimate retry
	// of a completed operation is never charged against the budget.
	if in.IdempotencyKey != "" {
		if entry, ok, err := s.idem.Get(ctx, in.IdempotencyKey); err != nil {
			s.logWarn(ctx, "idempotency lookup failed", err)
		} else if ok {
			if s.metrics != nil {
				s.metrics.IdempotentReplay.Inc()
			}
			return Reply{Status: entry.StatusCode, Body: entry.Body, Replayed: true}
		}
	}

	if s.limiter != nil {
		if reply, limited := s.checkRateLimit(ctx, in, normalized); limited {
			return reply
		}
	}
	if !s.originAllowed(in.Origin) {
		s.audit(ctx, audit.ActionOriginRejected, normalized, in, map[string]string{
			"origin":    in.Origin,
			"client_ip": privacy.AnonymizeIP(in.ClientIP),
		})
		return s.respond(ctx, in, ErrorResponse(CodeOriginNotAllowed))
	}

	if s.cfg.DemoMode && s.demoMatch(normalized) {
		s.audit(ctx, audit.ActionDemoBypass, normalized, in, map[string]string{"source": SourceDemoBypass})
		return s.respond(ctx, in, s.success(ResponseData{
			IsAffiliated: true,
			PartnerID:    s.cfg.PartnerID,
			Source:       SourceDemoBypass,
		}))
	}

	if s.identity != nil {
		exists, err := s.identity.Exists(ctx, normalized)
		if err != nil {
			// The shortcut is an optimization: fall through to the broker
			// rather than failing the request.
			s.logWarn(ctx, "identity lookup failed", err)
		} else if exists {
			s.audit(ctx, audit.ActionAffiliated, normalized, in, map[string]string{"source": SourceExistingUser})
			return s.respond(ctx, in, s.success(ResponseData{
				IsAffiliated: true,
				PartnerID:    s.cfg.PartnerID,
				Source:       SourceExistingUser,
			}))
		}
	}

	if !s.cfg.UpstreamEnabled {
		s.audit(ctx, audit.ActionServiceDisabled, normalized, in, nil)
		return s.respond(ctx, in, ErrorResponse(CodeServiceDisabled))
	}

	start := time.Now()
	result, err := s.broker.CheckAffiliation(ctx, normalized)
	if s.metrics != nil {
		s.metrics.ObserveUpstream(start)
	}
	if err != nil {
		code := Code(upstream.KindOf(err))
		s.logWarn(ctx, "broker affiliation check failed", err)
		s.audit(ctx, audit.ActionUpstreamFailed, normalized, in, map[string]string{"code": string(code)})
		return s.respond(ctx, in, ErrorResponse(code))
	}

	action := audit.ActionNotAffiliated
	if result.Affiliated {
		action = audit.ActionAffiliated
	}
	s.audit(ctx, action, normalized, in, map[string]string{"source": SourceBrokerAPI})

	return s.respond(ctx, in, s.success(ResponseData{
		IsAffiliated: result.Affiliated,
		ClientUID:    result.ClientUID,
		PartnerID:    s.cfg.PartnerID,
		Source:       SourceBrokerAPI,
	}))
}

// checkRateLimit consults both admission windows. The second return is true
// when the request was terminally rejected here.
func (s *Service) checkRateLimit(ctx context.Context, in Input, normalized string) (Reply, bool) {
	clientID := device.Fingerprint(in.ClientIP, in.UserAgent)
	limit, err := s.limiter.Check(ctx, clientID, normalized)
	if err != nil {
		// A shared counter store outage fails open: dropping abuse
		// deterrence for a while beats refusing all traffic.
		if errors.Is(err, sentinel.ErrUnavailable) {
			s.logWarn(ctx, "rate limit store unavailable, admitting request", err)
			return Reply{}, false
		}
		s.logWarn(ctx, "rate limit check failed", err)
		s.audit(ctx, audit.ActionInternalError, normalized, in, map[string]string{"code": string(CodeInternalError)})
		return s.respond(ctx, in, ErrorResponse(CodeInternalError)), true
	}
	if limit.Allowed {
		return Reply{}, false
	}

	if s.metrics != nil {
		s.metrics.RateLimited.Inc()
	}
	// Audit carries the anonymized IP only; raw addresses stay out of sinks.
	s.audit(ctx, audit.ActionRateLimited, normalized, in, map[string]string{
		"retry_after": strconv.Itoa(limit.RetryAfter),
		"client_ip":   privacy.AnonymizeIP(in.ClientIP),
	})
	resp := ErrorResponse(CodeRateLimited)
	resp.RateLimited = true
	resp.RetryAfter = limit.RetryAfter
	return s.respond(ctx, in, resp), true
}

// RejectTransport shapes and audits a terminal rejection decided before the
// body was understood (wrong method, unparsable JSON).
func (s *Service) RejectTransport(ctx context.Context, code Code, in Input) Reply {
	s.audit(ctx, audit.ActionInvalidInput, "", in, map[string]string{"code": string(code)})
	return s.respond(ctx, in, ErrorResponse(code))
}

func (s *Service) success(data ResponseData) ValidationResponse {
	return ValidationResponse{OK: true, Data: &data}
}

// respond serializes the outcome once, stores it under the idempotency key
// if one was supplied, and records the outcome metric.
func (s *Service) respond(ctx context.Context, in Input, resp ValidationResponse) Reply {
	if s.metrics != nil {
		s.metrics.RecordCheck(string(resp.Code))
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.logWarn(ctx, "response serialization failed", err)
		body = []byte(`{"ok":false,"code":"INTERNAL_ERROR","message":"internal error"}`)
		return Reply{Status: HTTPStatus(CodeInternalError), Body: body}
	}

	status := HTTPStatus(resp.Code)
	if resp.OK {
		status = http.StatusOK
	}

	// Rate-limited outcomes are terminal but retryable: caching one would
	// replay a stale 429 with a frozen retry_after long after the window
	// reset. The client is expected to retry the same key and get a fresh
	// admission decision.
	if in.IdempotencyKey != "" && resp.Code != CodeRateLimited {
		if err := s.idem.Put(ctx, in.IdempotencyKey, status, body, s.cfg.IdempotencyTTL); err != nil {
			s.logWarn(ctx, "idempotency store failed", err)
		}
	}

	return Reply{Status: status, Body: body, RetryAfter: resp.RetryAfter}
}

// originAllowed is permissive when no allow-list is configured and for
// requests without an Origin header (non-browser callers).
func (s *Service) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Service) audit(ctx context.Context, action audit.Action, normalizedEmail string, in Input, meta map[string]string) {
	if s.auditor == nil {
		return
	}
	record := audit.Record{
		Action:    action,
		RequestID: in.RequestID,
		Metadata:  meta,
	}
	if normalizedEmail != "" {
		record.Identity = privacy.MaskEmail(normalizedEmail)
	}
	s.auditor.Emit(ctx, record)
}

func (s *Service) logWarn(ctx context.Context, msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, msg, "error", err)
}
