package audit

import (
	"context"

	auth "github.com/goliatone/go-authcore"
)

// LogSink writes activity events to a logger. Used when no broker is
// configured.
type LogSink struct {
	logger  auth.Logger
	options envelopeOptions
}

var _ auth.ActivitySink = (*LogSink)(nil)

func NewLogSink(logger auth.Logger, opts ...Option) *LogSink {
	options := defaultEnvelopeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if logger == nil {
		logger = auth.NopLogger()
	}
	return &LogSink{logger: logger, options: options}
}

// Record implements auth.ActivitySink.
func (s *LogSink) Record(_ context.Context, event auth.ActivityEvent) error {
	e := newEnvelope(event, s.options)
	s.logger.Info("audit",
		"id", e.ID,
		"verb", e.Verb,
		"actor_id", e.ActorID,
		"object_id", e.ObjectID,
		"metadata", e.Metadata,
		"occurred_at", e.OccurredAt,
	)
	return nil
}
