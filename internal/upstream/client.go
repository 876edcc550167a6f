// Package upstream implements the broker integration: authentication with a
// cached short-lived token and the affiliation check itself, with bounded
// retries for auth expiry, throttling, and network failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const affiliationPath = "/partner/affiliation/"

// Retry budgets. The schedules are explicit tables so the maximum-attempts
// invariant is visible and unit-testable.
var (
	// throttleBackoff: exponential, base 500ms, doubling, capped at 2s.
	// len+1 = total attempts when the broker keeps returning 429.
	throttleBackoff = []time.Duration{500 * time.Millisecond, time.Second}

	// networkBackoff: linear, one entry per retry after a network failure.
	networkBackoff = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
)

// CheckResult is the broker's answer for one identity.
type CheckResult struct {
	Affiliated bool
	ClientUID  string
}

// Client performs affiliation checks against the broker API.
type Client struct {
	baseURL string
	tokens  TokenSource

	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	// sleep is injectable so retry tests don't wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSleep overrides the backoff sleeper (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient builds a broker client. timeout bounds each individual HTTP
// attempt, not the whole retry loop.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("affgate/upstream"),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAffiliation asks the broker whether the identity belongs to the
// partner. The broker's convention maps 404 to "not affiliated", which is a
// successful negative result, not an error.
//
// Retry policy, per failure class:
//   - 401: invalidate the token cache and retry exactly once with a fresh
//     token; a second 401 surfaces KindAuth.
//   - 429: honor Retry-After when present, else exponential backoff; after
//     the throttle budget is spent, KindThrottled.
//   - network errors: linear backoff per networkBackoff; exhausted retries
//     surface KindError.
//   - 5xx: KindUnavailable immediately.
func (c *Client) CheckAffiliation(ctx context.Context, normalizedEmail string) (CheckResult, error) {
	ctx, span := c.tracer.Start(ctx, "broker.affiliation_check")
	defer span.End()

	if c.baseURL == "" {
		return CheckResult{}, newError(KindAuth, "affiliation", "broker base URL not configured", nil)
	}

	reauthed := false
	throttleAttempt := 0
	networkAttempt := 0

	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return CheckResult{}, err
		}

		resp, err := c.post(ctx, token, normalizedEmail)
		if err != nil {
			if ctx.Err() != nil {
				return CheckResult{}, newError(KindError, "affiliation", "request cancelled", ctx.Err())
			}
			if networkAttempt >= len(networkBackoff) {
				return CheckResult{}, newError(KindError, "affiliation", "network retries exhausted", err)
			}
			delay := networkBackoff[networkAttempt]
			networkAttempt++
			c.logRetry(ctx, "network", networkAttempt, delay, err)
			if err := c.sleep(ctx, delay); err != nil {
				return CheckResult{}, newError(KindError, "affiliation", "request cancelled", err)
			}
			continue
		}

		body, status := resp.body, resp.status
		switch {
		case status == http.StatusOK:
			return decodeResult(body)

		case status == http.StatusNotFound:
			// Broker convention: unknown identity means not affiliated.
			return CheckResult{Affiliated: false}, nil

		case status == http.StatusUnauthorized:
			if reauthed {
				return CheckResult{}, newError(KindAuth, "affiliation", "broker rejected token twice", nil)
			}
			c.tokens.Invalidate()
			reauthed = true
			continue

		case status == http.StatusTooManyRequests:
			throttleAttempt++
			if throttleAttempt > len(throttleBackoff) {
				return CheckResult{}, newError(KindThrottled, "affiliation", "broker throttling persisted", nil)
			}
			delay := throttleDelay(resp.retryAfter, throttleAttempt)
			c.logRetry(ctx, "throttled", throttleAttempt, delay, nil)
			if err := c.sleep(ctx, delay); err != nil {
				return CheckResult{}, newError(KindError, "affiliation", "request cancelled", err)
			}
			continue

		case status >= 500:
			span.SetAttributes(attribute.Int("broker.status", status))
			return CheckResult{}, newError(KindUnavailable, "affiliation", fmt.Sprintf("broker returned %d", status), nil)

		default:
			span.SetAttributes(attribute.Int("broker.status", status))
			return CheckResult{}, newError(KindError, "affiliation", fmt.Sprintf("broker returned %d", status), nil)
		}
	}
}

type brokerResponse struct {
	status     int
	body       []byte
	retryAfter string
}

func (c *Client) post(ctx context.Context, token, normalizedEmail string) (*brokerResponse, error) {
	payload, err := json.Marshal(map[string]string{"email": normalizedEmail})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+affiliationPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "JWT "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &brokerResponse{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

func decodeResult(body []byte) (CheckResult, error) {
	var payload struct {
		Affiliation bool   `json:"affiliation"`
		ClientUID   string `json:"client_uid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return CheckResult{}, newError(KindError, "affiliation", "unparsable broker response", err)
	}
	return CheckResult{Affiliated: payload.Affiliation, ClientUID: payload.ClientUID}, nil
}

// throttleDelay prefers the broker's own Retry-After over the local schedule.
func throttleDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return throttleBackoff[attempt-1]
}

func (c *Client) logRetry(ctx context.Context, reason string, attempt int, delay time.Duration, err error) {
	if c.logger == nil {
		return
	}
	c.logger.WarnContext(ctx, "retrying broker call",
		"reason", reason,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
