// Package service implements the dual-window admission check: a burst-tolerant
// window per network client and a stricter window per normalized identity.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"affgate/internal/ratelimit/models"
)

// WindowStore manages fixed-window rate limit counters.
type WindowStore interface {
	// Take checks if a request is admitted under the limit and consumes a
	// slot if so.
	Take(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)

	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error
}

type Service struct {
	windows  WindowStore
	client   models.Limits
	identity models.Limits
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New builds a rate limit service over the given store. The client limits
// apply to every request; the identity limits only when an identity is
// present.
func New(windows WindowStore, client, identity models.Limits, opts ...Option) (*Service, error) {
	if windows == nil {
		return nil, errors.New("window store is required")
	}
	if client.Max <= 0 || client.Window <= 0 {
		return nil, errors.New("client limits must be positive")
	}
	if identity.Max <= 0 || identity.Window <= 0 {
		return nil, errors.New("identity limits must be positive")
	}

	s := &Service{
		windows:  windows,
		client:   client,
		identity: identity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check evaluates both windows. identityKey may be empty, in which case only
// the client window applies. Both windows are always consulted so a rejected
// request still registers against the other bucket; when both reject, the
// caller gets the larger retry-after.
func (s *Service) Check(ctx context.Context, clientID, identityKey string) (*models.Result, error) {
	clientKey := models.NewRateLimitKey(models.KeyPrefixClient, clientID)
	clientRes, err := s.windows.Take(ctx, clientKey.String(), s.client.Max, s.client.Window)
	if err != nil {
		return nil, err
	}

	if identityKey == "" {
		s.logRejection(ctx, clientRes, clientID, "")
		return clientRes, nil
	}

	idKey := models.NewRateLimitKey(models.KeyPrefixIdentity, identityKey)
	idRes, err := s.windows.Take(ctx, idKey.String(), s.identity.Max, s.identity.Window)
	if err != nil {
		return nil, err
	}

	combined := combine(clientRes, idRes)
	s.logRejection(ctx, combined, clientID, identityKey)
	return combined, nil
}

// combine merges the two window results: a rejection on either side rejects
// the request, and the larger retry-after wins so a compliant client waits
// long enough for both windows to admit it.
func combine(client, identity *models.Result) *models.Result {
	if client.Allowed && identity.Allowed {
		if identity.Remaining < client.Remaining {
			return identity
		}
		return client
	}

	rejected := client
	if !identity.Allowed && (client.Allowed || identity.RetryAfter > client.RetryAfter) {
		rejected = identity
	}
	return rejected
}

func (s *Service) logRejection(ctx context.Context, res *models.Result, clientID, identityKey string) {
	if res.Allowed || s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, "rate limit exceeded",
		"client_id", clientID,
		"has_identity", identityKey != "",
		"retry_after", res.RetryAfter,
		"log_type", "audit",
	)
}
