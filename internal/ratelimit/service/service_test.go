package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"affgate/internal/ratelimit/models"
	"affgate/internal/ratelimit/store/window"
)

type RateLimitServiceSuite struct {
	suite.Suite
	svc *Service
	ctx context.Context
	now time.Time
}

func TestRateLimitServiceSuite(t *testing.T) {
	suite.Run(t, new(RateLimitServiceSuite))
}

func (s *RateLimitServiceSuite) SetupTest() {
	s.now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	store := window.NewInMemoryWindowStore(window.WithClock(func() time.Time { return s.now }))

	svc, err := New(store,
		models.Limits{Max: 30, Window: 5 * time.Minute},
		models.Limits{Max: 5, Window: 10 * time.Minute},
	)
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = context.Background()
}

func (s *RateLimitServiceSuite) TestNewValidation() {
	_, err := New(nil, models.Limits{Max: 1, Window: time.Minute}, models.Limits{Max: 1, Window: time.Minute})
	s.Error(err)

	store := window.NewInMemoryWindowStore()
	_, err = New(store, models.Limits{}, models.Limits{Max: 1, Window: time.Minute})
	s.Error(err)
}

func (s *RateLimitServiceSuite) TestClientWindowOnly() {
	s.Run("requests without identity only consume the client window", func() {
		for i := 0; i < 30; i++ {
			res, err := s.svc.Check(s.ctx, "fp-1", "")
			s.Require().NoError(err)
			s.True(res.Allowed)
		}

		res, err := s.svc.Check(s.ctx, "fp-1", "")
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Positive(res.RetryAfter)
	})

	s.Run("a different client is unaffected", func() {
		res, err := s.svc.Check(s.ctx, "fp-2", "")
		s.Require().NoError(err)
		s.True(res.Allowed)
	})
}

func (s *RateLimitServiceSuite) TestIdentityWindow() {
	s.Run("identity window rejects before client window", func() {
		for i := 0; i < 5; i++ {
			res, err := s.svc.Check(s.ctx, "fp-1", "trader@example.com")
			s.Require().NoError(err)
			s.True(res.Allowed)
		}

		res, err := s.svc.Check(s.ctx, "fp-1", "trader@example.com")
		s.Require().NoError(err)
		s.False(res.Allowed)
		// identity window (10m) outlasts the client window (5m)
		s.Equal(600, res.RetryAfter)
	})

	s.Run("identity rejection follows the identity even across clients", func() {
		res, err := s.svc.Check(s.ctx, "fp-other", "trader@example.com")
		s.Require().NoError(err)
		s.False(res.Allowed)
	})

	s.Run("an unrelated identity from a fresh client is admitted", func() {
		res, err := s.svc.Check(s.ctx, "fp-3", "other@example.com")
		s.Require().NoError(err)
		s.True(res.Allowed)
	})
}

func (s *RateLimitServiceSuite) TestLargerRetryAfterWins() {
	// Exhaust the client window without identities.
	for i := 0; i < 30; i++ {
		_, err := s.svc.Check(s.ctx, "fp-busy", "")
		s.Require().NoError(err)
	}
	// Exhaust the identity window from another client.
	for i := 0; i < 5; i++ {
		_, err := s.svc.Check(s.ctx, "fp-aux", "hot@example.com")
		s.Require().NoError(err)
	}

	// Both windows now reject; the identity window has the longer wait.
	res, err := s.svc.Check(s.ctx, "fp-busy", "hot@example.com")
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(600, res.RetryAfter)
}

func (s *RateLimitServiceSuite) TestRetryAfterNeverNegative() {
	for i := 0; i < 5; i++ {
		_, err := s.svc.Check(s.ctx, "fp-edge", "edge@example.com")
		s.Require().NoError(err)
	}

	// One millisecond before the identity window resets.
	s.now = s.now.Add(10*time.Minute - time.Millisecond)
	res, err := s.svc.Check(s.ctx, "fp-edge2", "edge@example.com")
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(1, res.RetryAfter)
}
