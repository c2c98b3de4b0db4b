package broadcaster

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// LogSink writes events to the log. Used when no broker is configured.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(_ context.Context, key, value []byte) error {
	s.Log.Info("event", zap.ByteString("key", key), zap.ByteString("value", value))
	return nil
}

// Multi fans an event out to every sink. It fails if any sink fails, so
// the entry is retried and sinks that already succeeded see it again.
type Multi []Sink

func (m Multi) Send(ctx context.Context, key, value []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
