package writer

import (
	"context"
	"time"

	"warden/internal/eventbus"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// sink delivers one record. Implementations must be safe to call from the
// worker goroutine only.
type sink interface {
	name() string
	write(ctx context.Context, r Record) error
}

type logSink struct{ log logx.Logger }

func (logSink) name() string { return SinkLog }

func (s logSink) write(_ context.Context, r Record) error {
	fields := []logx.Field{logx.String("source", r.Source), logx.Time("at", r.At)}
	switch r.Level {
	case LevelError:
		s.log.Error(r.Message, fields...)
	case LevelAlert:
		s.log.Warn(r.Message, fields...)
	default:
		s.log.Info(r.Message, fields...)
	}
	return nil
}

type storeSink struct{ store storage.Store }

func (storeSink) name() string { return SinkStore }

func (s storeSink) write(ctx context.Context, r Record) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.AppendFailure(ctx, storage.FailureRecord{At: r.At, Source: r.Source, Level: r.Level, Message: r.Message})
}

type busSink struct{ bus eventbus.Bus }

func (busSink) name() string { return SinkBus }

func (s busSink) write(_ context.Context, r Record) error {
	s.bus.Publish(eventbus.Event{Type: eventbus.WriterRecord, Time: r.At, Data: r})
	return nil
}
