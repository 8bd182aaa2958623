package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-bots/internal/engine"
	"trading-bots/internal/events"
	"trading-bots/internal/monitor"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// runTick triggers exactly one tick and returns its report. The tick is
// detached from the client connection and bounded by TickTimeout.
func (s *Server) runTick(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.TickTimeout)
	defer cancel()

	rep, err := s.Engine.RunTick(ctx)
	if err != nil {
		var tickErr *engine.TickError
		switch {
		case errors.Is(err, engine.ErrTickInProgress):
			respondError(c, http.StatusConflict, "TICK_IN_PROGRESS", err.Error())
		case errors.As(err, &tickErr):
			s.Log.Error("manual tick failed", zap.String("request_id", c.GetString("RequestID")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "TICK_FAILED",
				"error":   tickErr.Err.Error(),
				"stage":   tickErr.Stage,
				"tick_id": tickErr.TickID,
			})
		default:
			respondError(c, http.StatusInternalServerError, "TICK_FAILED", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getLastTick(c *gin.Context) {
	rep, ok := s.Engine.LastReport()
	if !ok {
		respondError(c, http.StatusNotFound, "NO_TICK", "no tick has completed yet")
		return
	}
	c.JSON(http.StatusOK, rep)
}

// streamStats reports live websocket listeners across all topics and the
// deliveries the bus skipped for slow listeners.
func (s *Server) streamStats() (subscribers int, dropped uint64) {
	if s.Bus == nil {
		return 0, 0
	}
	for _, topic := range events.Topics {
		subscribers += s.Bus.Subscribers(topic)
	}
	return subscribers, s.Bus.Dropped()
}

func (s *Server) getSystemStatus(c *gin.Context) {
	st := s.Engine.Status()
	subs, dropped := s.streamStats()
	mode := "LIVE"
	if st.DryRun {
		mode = "DRY_RUN"
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":               mode,
		"dry_run":            st.DryRun,
		"running":            st.Running,
		"shards":             st.Shards,
		"last_tick_id":       st.LastTickID,
		"last_tick_at":       st.LastTickAt,
		"stream_subscribers": subs,
		"stream_dropped":     dropped,
		"db_driver":          s.Meta.DBDriver,
		"version":            s.Meta.Version,
		"server_time":        time.Now().UTC(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	st := s.Engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"tick":     st.Metrics,
		"executor": st.Executor,
	})
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	st := s.Engine.Status()
	m := st.Metrics

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "bots_ticks_processed_total %d\n", m.TicksProcessed)
	fmt.Fprintf(&b, "bots_tick_failures_total %d\n", m.TickFailures)
	fmt.Fprintf(&b, "bots_ticks_rejected_total %d\n", m.TicksRejected)
	fmt.Fprintf(&b, "bots_evaluations_total %d\n", m.Evaluations)
	fmt.Fprintf(&b, "bots_events_fired_total %d\n", m.EventsFired)
	fmt.Fprintf(&b, "bots_orders_placed_total %d\n", m.OrdersPlaced)
	fmt.Fprintf(&b, "bots_orders_cancelled_total %d\n", m.OrdersCancelled)
	fmt.Fprintf(&b, "bots_registration_errors_total %d\n", m.RegistrationErrors)
	fmt.Fprintf(&b, "bots_evaluation_errors_total %d\n", m.EvaluationErrors)
	fmt.Fprintf(&b, "bots_executor_errors_total %d\n", st.Executor.TotalErrors)
	subs, dropped := s.streamStats()
	fmt.Fprintf(&b, "bots_stream_dropped_total %d\n", dropped)
	fmt.Fprintf(&b, "bots_stream_subscribers %d\n", subs)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "bots_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "bots_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "bots_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "bots_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("tick", m.TickLatency)
	writeLatency("snapshot", m.SnapshotLatency)
	writeLatency("evaluate", m.EvaluateLatency)
	writeLatency("execute", m.ExecuteLatency)

	fmt.Fprintf(&b, "bots_goroutines %d\n", m.GoroutineCount)
	fmt.Fprintf(&b, "bots_heap_alloc_bytes %d\n", m.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
