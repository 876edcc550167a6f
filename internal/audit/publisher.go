// Package audit captures structured records of every terminal validation
// outcome. Records are append-only and fire-and-forget: a sink failure is
// logged but never fails the request that produced the record.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"affgate/pkg/requestcontext"
)

// Sink persists audit records. Implementations must tolerate concurrent
// appends.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

// Publisher stamps and forwards audit records to a sink.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
}

func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger}
}

// Emit assigns an ID and timestamp if missing and appends the record.
// Errors are swallowed after logging: audit is best-effort by contract.
func (p *Publisher) Emit(ctx context.Context, record Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = requestcontext.Now(ctx)
	}

	if err := p.sink.Append(ctx, record); err != nil && p.logger != nil {
		p.logger.WarnContext(ctx, "failed to append audit record",
			"action", record.Action,
			"error", err,
		)
	}
}
