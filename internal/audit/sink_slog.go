package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes audit records to the structured logger. This is the default
// sink when no kafka brokers are configured; log shippers pick the records up
// by the log_type attribute.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Append(ctx context.Context, record Record) error {
	s.logger.InfoContext(ctx, string(record.Action),
		"log_type", "audit",
		"audit_id", record.ID,
		"identity", record.Identity,
		"request_id", record.RequestID,
		"metadata", record.Metadata,
	)
	return nil
}
