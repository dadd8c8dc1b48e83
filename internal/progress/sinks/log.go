package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
)

// LogSink mirrors the progress stream into structured logs. Routine dispatch
// stages land at debug while failures and blacklists surface at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing through the supplied logger. A nil
// logger discards the stream.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume writes one entry per event, omitting fields the stage never set.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.ByteString("run_id", evt.RunID[:]),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Host != "" {
			fields = append(fields, zap.String("host", evt.Host))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.SessionID != "" {
			fields = append(fields, zap.String("session_id", evt.SessionID))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dispatches > 0 {
			fields = append(fields, zap.Int64("dispatches", evt.Dispatches))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.write(evt.Stage, fields)
	}
	return nil
}

func (s *LogSink) write(stage progress.Stage, fields []zap.Field) {
	switch stage {
	case progress.StageRunError, progress.StageDispatchFailed, progress.StageSessionBlacklist:
		s.logger.Warn("progress event", fields...)
	case progress.StageDispatchStart, progress.StageDispatchRetry, progress.StageDispatchDone:
		s.logger.Debug("progress event", fields...)
	default:
		s.logger.Info("progress event", fields...)
	}
}

// Close implements progress.Sink. The sink holds no buffered state.
func (s *LogSink) Close(context.Context) error {
	return nil
}
