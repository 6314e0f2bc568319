package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/progress"
)

// LogSink writes one structured log line per progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failed stages log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("status", evt.Status),
			zap.Int("progress", evt.Progress),
		}
		if evt.Kind == progress.KindStage {
			fields = append(fields,
				zap.String("stage", string(evt.Stage)),
				zap.Int64("duration_ms", evt.DurationMs),
				zap.Int("attempts", evt.Attempts),
			)
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		if evt.Status == progress.OutcomeFailure {
			s.logger.Warn("audit progress", fields...)
			continue
		}
		s.logger.Info("audit progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
