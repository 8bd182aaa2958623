package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-bots/internal/events"
	"trading-bots/pkg/logging"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as warn-level log lines.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	logging.OrNop(s.Log).Warn("alert", zap.String("message", message))
	return nil
}

// Monitor watches failed ticks and emits alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
}

// Start subscribes to tick failures until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := logging.OrNop(m.Log)
	if m.Bus == nil || m.Sink == nil {
		log.Info("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventTickFailed, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					log.Error("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return "tick failed"
	}
}
