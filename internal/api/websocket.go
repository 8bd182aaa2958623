package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-bots/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope wraps every message pushed to websocket clients.
type envelope struct {
	Topic   events.Event `json:"topic"`
	Payload any          `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// streamTopics parses ?topics=a,b; unknown names are ignored. The default is
// tick completions and failures.
func streamTopics(raw string) []events.Event {
	if raw == "" {
		return []events.Event{events.EventTickCompleted, events.EventTickFailed}
	}
	known := make(map[events.Event]bool, len(events.Topics))
	for _, t := range events.Topics {
		known[t] = true
	}
	var out []events.Event
	for _, name := range strings.Split(raw, ",") {
		if t := events.Event(strings.TrimSpace(name)); known[t] {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) websocket(c *gin.Context) {
	topics := streamTopics(c.Query("topics"))
	if len(topics) == 0 {
		respondError(c, http.StatusBadRequest, "BAD_TOPICS", "no known topic requested")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteJSON(envelope{Error: "bus not ready"})
		return
	}

	merged := make(chan envelope, 100)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func() {
			for msg := range stream {
				select {
				case merged <- wrap(topic, msg):
				case <-done:
					return
				}
			}
		}()
	}

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				s.Log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}

func wrap(topic events.Event, msg any) envelope {
	if err, ok := msg.(error); ok {
		return envelope{Topic: topic, Payload: err, Error: err.Error()}
	}
	return envelope{Topic: topic, Payload: msg}
}
