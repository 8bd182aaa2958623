package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-bots/internal/engine"
	"trading-bots/internal/events"
	"trading-bots/internal/monitor"
)

type stubEngine struct {
	report *engine.Report
	err    error
	last   *engine.Report
	calls  int
	ctxErr error
}

func (s *stubEngine) RunTick(ctx context.Context) (*engine.Report, error) {
	s.calls++
	s.ctxErr = ctx.Err()
	return s.report, s.err
}

func (s *stubEngine) LastReport() (*engine.Report, bool) { return s.last, s.last != nil }

func (s *stubEngine) Status() engine.SystemStatus {
	m := monitor.NewTickMetrics()
	m.TickCompleted(2, 1)
	m.TickLatency.Record(12)
	return engine.SystemStatus{DryRun: true, Shards: 4, Metrics: m.GetSnapshot()}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, eng *stubEngine, pingErr error) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(eng, events.NewBus(), stubPinger{err: pingErr}, SystemMeta{Version: "test", DBDriver: "sqlite"}, Options{}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doRequest(t *testing.T, method, url string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{}, nil)
	resp := doRequest(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	_, ts = newTestServer(t, &stubEngine{}, errors.New("database is closed"))
	var body map[string]any
	resp = doRequest(t, http.MethodGet, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestRunTickEndpoint(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		eng := &stubEngine{report: &engine.Report{TickID: "t-1", Placed: 3}}
		_, ts := newTestServer(t, eng, nil)

		var rep engine.Report
		resp := doRequest(t, http.MethodPost, ts.URL+"/api/ticks", &rep)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "t-1", rep.TickID)
		assert.Equal(t, 3, rep.Placed)
		assert.Equal(t, 1, eng.calls)
		assert.NoError(t, eng.ctxErr)
	})

	t.Run("in progress", func(t *testing.T) {
		_, ts := newTestServer(t, &stubEngine{err: engine.ErrTickInProgress}, nil)
		var body map[string]any
		resp := doRequest(t, http.MethodPost, ts.URL+"/api/ticks", &body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "TICK_IN_PROGRESS", body["code"])
	})

	t.Run("aborted", func(t *testing.T) {
		err := &engine.TickError{TickID: "t-2", Stage: engine.StageExecute, Err: errors.New("disk I/O error")}
		_, ts := newTestServer(t, &stubEngine{err: err}, nil)
		var body map[string]any
		resp := doRequest(t, http.MethodPost, ts.URL+"/api/ticks", &body)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "execute", body["stage"])
		assert.Equal(t, "t-2", body["tick_id"])
		assert.Equal(t, "disk I/O error", body["error"])
	})
}

func TestLastTickEndpoint(t *testing.T) {
	eng := &stubEngine{}
	_, ts := newTestServer(t, eng, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/ticks/last", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	eng.last = &engine.Report{TickID: "t-9", Decisions: []engine.Decision{{BotID: "B", Outcome: engine.OutcomeNoAction}}}
	var rep engine.Report
	resp = doRequest(t, http.MethodGet, ts.URL+"/api/ticks/last", &rep)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t-9", rep.TickID)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, engine.OutcomeNoAction, rep.Decisions[0].Outcome)
}

func TestMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{}, nil)

	var body struct {
		Tick monitor.MetricsSnapshot `json:"tick"`
	}
	resp := doRequest(t, http.MethodGet, ts.URL+"/api/metrics", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(2), body.Tick.OrdersPlaced)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/metrics/prom", nil)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "bots_orders_placed_total 2\n")
	assert.Contains(t, string(raw), "bots_tick_latency_ms_p50 12.000000\n")
	assert.Contains(t, string(raw), "bots_stream_dropped_total 0\n")
	assert.Contains(t, string(raw), "bots_stream_subscribers 0\n")

	var status map[string]any
	doRequest(t, http.MethodGet, ts.URL+"/api/system/status", &status)
	assert.Equal(t, "DRY_RUN", status["mode"])
	assert.Equal(t, "sqlite", status["db_driver"])
	assert.EqualValues(t, 0, status["stream_subscribers"])
}

func TestStreamStatsCountsListenersAndDrops(t *testing.T) {
	s, ts := newTestServer(t, &stubEngine{}, nil)

	stream, unsub := s.Bus.Subscribe(events.EventDecision, 1)
	defer unsub()
	_, unsub2 := s.Bus.Subscribe(events.EventTickCompleted, 1)
	defer unsub2()

	s.Bus.Publish(events.EventDecision, "first")
	s.Bus.Publish(events.EventDecision, "second")
	assert.Equal(t, "first", <-stream)

	subs, dropped := s.streamStats()
	assert.Equal(t, 2, subs)
	assert.Equal(t, uint64(1), dropped)

	var status map[string]any
	doRequest(t, http.MethodGet, ts.URL+"/api/system/status", &status)
	assert.EqualValues(t, 2, status["stream_subscribers"])
	assert.EqualValues(t, 1, status["stream_dropped"])

	bare := &Server{}
	subs, dropped = bare.streamStats()
	assert.Zero(t, subs)
	assert.Zero(t, dropped)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(&stubEngine{}, nil, nil, SystemMeta{}, Options{RateLimit: 1, RateBurst: 2}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		s.Router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestWebsocketStreamsReports(t *testing.T) {
	s, ts := newTestServer(t, &stubEngine{}, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.Bus.Subscribers(events.EventTickCompleted) == 1 && s.Bus.Subscribers(events.EventTickFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Bus.Publish(events.EventTickCompleted, &engine.Report{TickID: "t-ws"})
	s.Bus.Publish(events.EventTickFailed, &engine.TickError{TickID: "t-bad", Stage: engine.StageSnapshot, Err: errors.New("locked")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		got[msg["topic"].(string)] = msg
	}

	completed := got[string(events.EventTickCompleted)]
	require.NotNil(t, completed)
	assert.Equal(t, "t-ws", completed["payload"].(map[string]any)["tick_id"])

	failed := got[string(events.EventTickFailed)]
	require.NotNil(t, failed)
	assert.Contains(t, failed["error"], "locked")

	conn.Close()
	require.Eventually(t, func() bool {
		return s.Bus.Subscribers(events.EventTickCompleted) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamTopics(t *testing.T) {
	assert.Equal(t, []events.Event{events.EventTickCompleted, events.EventTickFailed}, streamTopics(""))
	assert.Equal(t, []events.Event{events.EventDecision}, streamTopics("tick.decision, bogus"))
	assert.Empty(t, streamTopics("bogus"))
}
