package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-bots/internal/events"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(m string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestMonitorAlertsOnTickFailure(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)
	require.Eventually(t, func() bool { return bus.Subscribers(events.EventTickFailed) == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.EventTickFailed, errors.New("snapshot: db locked"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.msgs[0], "snapshot: db locked")
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 4, s.Count, "oldest sample evicted")
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.5, s.Avg)
}

func TestTickMetricsSnapshot(t *testing.T) {
	m := NewTickMetrics()
	m.Evaluated(2)
	m.Evaluated(0)
	m.TickCompleted(3, 1)
	m.TickFailed()
	m.RegistrationFailed()

	s := m.GetSnapshot()
	assert.Equal(t, uint64(1), s.TicksProcessed)
	assert.Equal(t, uint64(1), s.TickFailures)
	assert.Equal(t, uint64(2), s.Evaluations)
	assert.Equal(t, uint64(2), s.EventsFired)
	assert.Equal(t, uint64(3), s.OrdersPlaced)
	assert.Equal(t, uint64(1), s.OrdersCancelled)
	assert.Equal(t, uint64(1), s.RegistrationErrors)
	assert.False(t, s.LastTick.IsZero())
}
