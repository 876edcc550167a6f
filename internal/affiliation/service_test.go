package affiliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"affgate/internal/audit"
	"affgate/internal/idempotency"
	"affgate/internal/identity"
	ratelimit "affgate/internal/ratelimit/models"
	"affgate/internal/upstream"
	"affgate/pkg/platform/sentinel"
)

type fakeLimiter struct {
	result *ratelimit.Result
	err    error
	calls  int32
}

func (f *fakeLimiter) Check(context.Context, string, string) (*ratelimit.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ratelimit.Result{Allowed: true, Limit: 30, Remaining: 29}, nil
}

type fakeBroker struct {
	result upstream.CheckResult
	err    error
	calls  int32
}

func (f *fakeBroker) CheckAffiliation(context.Context, string) (upstream.CheckResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return upstream.CheckResult{}, f.err
	}
	return f.result, nil
}

type ServiceSuite struct {
	suite.Suite

	limiter *fakeLimiter
	broker  *fakeBroker
	idem    *idempotency.InMemoryStore
	users   *identity.InMemoryStore
	sink    *audit.InMemorySink
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.limiter = &fakeLimiter{}
	s.broker = &fakeBroker{}
	s.idem = idempotency.NewInMemoryStore()
	s.users = identity.NewInMemoryStore()
	s.sink = audit.NewInMemorySink()
}

func (s *ServiceSuite) newService(cfg Config, opts ...Option) *Service {
	if cfg.PartnerID == "" {
		cfg.PartnerID = "P-1"
	}
	auditor := audit.NewPublisher(s.sink, nil)
	return New(cfg, s.limiter, s.idem, s.users, s.broker, auditor, opts...)
}

func (s *ServiceSuite) decode(reply Reply) ValidationResponse {
	var resp ValidationResponse
	s.Require().NoError(json.Unmarshal(reply.Body, &resp))
	return resp
}

func (s *ServiceSuite) TestBrokerAffirmative() {
	s.broker.result = upstream.CheckResult{Affiliated: true, ClientUID: "U123"}
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "Fresh@Example.com "})
	s.Require().Equal(http.StatusOK, reply.Status)

	resp := s.decode(reply)
	s.Require().True(resp.OK)
	s.Require().True(resp.Data.IsAffiliated)
	s.Require().Equal("U123", resp.Data.ClientUID)
	s.Require().Equal("P-1", resp.Data.PartnerID)
	s.Require().Equal(SourceBrokerAPI, resp.Data.Source)

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionAffiliated, records[0].Action)
	s.Require().Equal("fre***@example.com", records[0].Identity)
}

func (s *ServiceSuite) TestBrokerNegative() {
	s.broker.result = upstream.CheckResult{Affiliated: false}
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusOK, reply.Status)

	resp := s.decode(reply)
	s.Require().True(resp.OK)
	s.Require().False(resp.Data.IsAffiliated)

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionNotAffiliated, records[0].Action)
}

func (s *ServiceSuite) TestInvalidEmail() {
	svc := s.newService(Config{UpstreamEnabled: true})

	for _, bad := range []string{"", "not-an-email", "@nolocal.com"} {
		reply := svc.Check(context.Background(), Input{Email: bad})
		s.Require().Equal(http.StatusBadRequest, reply.Status)
		s.Require().Equal(CodeInvalidEmail, s.decode(reply).Code)
	}
	s.Require().Zero(atomic.LoadInt32(&s.limiter.calls))
	s.Require().Zero(atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestDemoBypass() {
	svc := s.newService(Config{UpstreamEnabled: true, DemoMode: true})

	reply := svc.Check(context.Background(), Input{Email: "demo@test.com"})
	s.Require().Equal(http.StatusOK, reply.Status)

	resp := s.decode(reply)
	s.Require().True(resp.Data.IsAffiliated)
	s.Require().Equal(SourceDemoBypass, resp.Data.Source)
	s.Require().Zero(atomic.LoadInt32(&s.broker.calls))

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionDemoBypass, records[0].Action)
}

func (s *ServiceSuite) TestDemoPatternIgnoredWhenDisabled() {
	s.broker.result = upstream.CheckResult{Affiliated: false}
	svc := s.newService(Config{UpstreamEnabled: true, DemoMode: false})

	reply := svc.Check(context.Background(), Input{Email: "demo@test.com"})

	s.Require().Equal(http.StatusOK, reply.Status)
	s.Require().EqualValues(1, atomic.LoadInt32(&s.broker.calls))
	s.Require().Equal(SourceBrokerAPI, s.decode(reply).Data.Source)
}

func (s *ServiceSuite) TestExistingUserShortcut() {
	s.Require().NoError(s.users.Add(context.Background(), "known@example.com"))
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "Known@Example.com"})
	s.Require().Equal(http.StatusOK, reply.Status)

	resp := s.decode(reply)
	s.Require().True(resp.Data.IsAffiliated)
	s.Require().Equal(SourceExistingUser, resp.Data.Source)
	s.Require().Zero(atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestServiceDisabled() {
	svc := s.newService(Config{UpstreamEnabled: false})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusServiceUnavailable, reply.Status)
	s.Require().Equal(CodeServiceDisabled, s.decode(reply).Code)
	s.Require().Zero(atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestRateLimited() {
	s.limiter.result = &ratelimit.Result{Allowed: false, RetryAfter: 42}
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusTooManyRequests, reply.Status)
	s.Require().Equal(42, reply.RetryAfter)

	resp := s.decode(reply)
	s.Require().Equal(CodeRateLimited, resp.Code)
	s.Require().True(resp.RateLimited)
	s.Require().Equal(42, resp.RetryAfter)
	s.Require().Zero(atomic.LoadInt32(&s.broker.calls))

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionRateLimited, records[0].Action)
	s.Require().Equal("42", records[0].Metadata["retry_after"])
}

func (s *ServiceSuite) TestOriginRejected() {
	svc := s.newService(Config{UpstreamEnabled: true, AllowedOrigins: []string{"https://app.example.com"}})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com", Origin: "https://evil.example.org"})
	s.Require().Equal(http.StatusForbidden, reply.Status)
	s.Require().Equal(CodeOriginNotAllowed, s.decode(reply).Code)
}

func (s *ServiceSuite) TestOriginAllowed() {
	s.broker.result = upstream.CheckResult{Affiliated: true}
	svc := s.newService(Config{UpstreamEnabled: true, AllowedOrigins: []string{"https://app.example.com"}})

	s.Run("listed origin", func() {
		reply := svc.Check(context.Background(), Input{Email: "a@example.com", Origin: "https://app.example.com"})
		s.Require().Equal(http.StatusOK, reply.Status)
	})

	s.Run("no origin header", func() {
		reply := svc.Check(context.Background(), Input{Email: "b@example.com"})
		s.Require().Equal(http.StatusOK, reply.Status)
	})
}

func (s *ServiceSuite) TestIdempotentReplay() {
	s.broker.result = upstream.CheckResult{Affiliated: true, ClientUID: "U123"}
	svc := s.newService(Config{UpstreamEnabled: true, IdempotencyTTL: time.Hour})

	in := Input{Email: "fresh@example.com", IdempotencyKey: "key-1"}

	first := svc.Check(context.Background(), in)
	s.Require().Equal(http.StatusOK, first.Status)
	s.Require().False(first.Replayed)

	second := svc.Check(context.Background(), in)
	s.Require().True(second.Replayed)
	s.Require().Equal(first.Status, second.Status)
	s.Require().Equal(first.Body, second.Body)

	s.Require().EqualValues(1, atomic.LoadInt32(&s.broker.calls))
	// The replay is not re-audited and skips the rate limiter.
	s.Require().Len(s.sink.Records(), 1)
	s.Require().EqualValues(1, atomic.LoadInt32(&s.limiter.calls))
}

func (s *ServiceSuite) TestRateLimitedOutcomeNotCached() {
	s.limiter.result = &ratelimit.Result{Allowed: false, RetryAfter: 42}
	s.broker.result = upstream.CheckResult{Affiliated: true}
	svc := s.newService(Config{UpstreamEnabled: true})

	in := Input{Email: "fresh@example.com", IdempotencyKey: "key-rl"}

	first := svc.Check(context.Background(), in)
	s.Require().Equal(http.StatusTooManyRequests, first.Status)
	s.Require().Equal(42, first.RetryAfter)

	// Window reset: the limiter admits again. The retry with the same key
	// must get a fresh decision, not a replayed 429 with a stale delay.
	s.limiter.result = nil

	second := svc.Check(context.Background(), in)
	s.Require().False(second.Replayed)
	s.Require().Equal(http.StatusOK, second.Status)
	s.Require().True(s.decode(second).Data.IsAffiliated)

	// The successful outcome is cached as usual.
	third := svc.Check(context.Background(), in)
	s.Require().True(third.Replayed)
	s.Require().Equal(second.Body, third.Body)
}

func (s *ServiceSuite) TestErrorsAreIdempotentToo() {
	s.broker.err = &upstream.Error{Kind: upstream.KindUnavailable, Op: "affiliation", Message: "broker returned 502"}
	svc := s.newService(Config{UpstreamEnabled: true})

	in := Input{Email: "fresh@example.com", IdempotencyKey: "key-err"}

	first := svc.Check(context.Background(), in)
	s.Require().Equal(http.StatusServiceUnavailable, first.Status)

	second := svc.Check(context.Background(), in)
	s.Require().True(second.Replayed)
	s.Require().Equal(first.Body, second.Body)
	s.Require().EqualValues(1, atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestUpstreamErrorMapping() {
	cases := []struct {
		name   string
		kind   upstream.Kind
		status int
	}{
		{name: "auth", kind: upstream.KindAuth, status: http.StatusUnauthorized},
		{name: "throttled", kind: upstream.KindThrottled, status: http.StatusTooManyRequests},
		{name: "unavailable", kind: upstream.KindUnavailable, status: http.StatusServiceUnavailable},
		{name: "unclassified", kind: upstream.KindError, status: http.StatusBadGateway},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			s.broker.err = &upstream.Error{Kind: tc.kind, Op: "affiliation", Message: "failed"}
			svc := s.newService(Config{UpstreamEnabled: true})

			reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
			s.Require().Equal(tc.status, reply.Status)
			s.Require().Equal(Code(tc.kind), s.decode(reply).Code)

			records := s.sink.Records()
			s.Require().Len(records, 1)
			s.Require().Equal(audit.ActionUpstreamFailed, records[0].Action)
		})
	}
}

func (s *ServiceSuite) TestLimiterFailureIsInternalError() {
	s.limiter.err = errors.New("store down")
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusInternalServerError, reply.Status)
	s.Require().Equal(CodeInternalError, s.decode(reply).Code)

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionInternalError, records[0].Action)
}

func (s *ServiceSuite) TestLimiterOutageFailsOpen() {
	s.limiter.err = fmt.Errorf("redis window take: connection refused (%w)", sentinel.ErrUnavailable)
	s.broker.result = upstream.CheckResult{Affiliated: true}
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusOK, reply.Status)
	s.Require().EqualValues(1, atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestIdentityStoreFailureFallsThrough() {
	s.broker.result = upstream.CheckResult{Affiliated: true}
	svc := New(Config{UpstreamEnabled: true, PartnerID: "P-1"}, s.limiter, s.idem, failingIdentity{}, s.broker, audit.NewPublisher(s.sink, nil))

	reply := svc.Check(context.Background(), Input{Email: "fresh@example.com"})
	s.Require().Equal(http.StatusOK, reply.Status)
	s.Require().EqualValues(1, atomic.LoadInt32(&s.broker.calls))
}

func (s *ServiceSuite) TestRejectTransport() {
	svc := s.newService(Config{UpstreamEnabled: true})

	reply := svc.RejectTransport(context.Background(), CodeInvalidJSON, Input{})
	s.Require().Equal(http.StatusBadRequest, reply.Status)
	s.Require().Equal(CodeInvalidJSON, s.decode(reply).Code)

	records := s.sink.Records()
	s.Require().Len(records, 1)
	s.Require().Equal(audit.ActionInvalidInput, records[0].Action)
	s.Require().Empty(records[0].Identity)
}

type failingIdentity struct{}

func (failingIdentity) Exists(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}
