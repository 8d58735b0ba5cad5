package api

import (
	"log"
	"net/http"
	"time"

	"broker-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Topics streamed to operator dashboards.
var wsTopics = []events.Event{
	events.EventOrderSubmitted,
	events.EventOrderRejected,
	events.EventOrderFailed,
	events.EventOrderFilled,
	events.EventOrderSimulated,
	events.EventApprovalQueued,
	events.EventApprovalReleased,
	events.EventApprovalRejected,
	events.EventCircuitTripped,
	events.EventCircuitRecovered,
	events.EventLoopTick,
}

type wsEnvelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// websocket streams bus events to the client until it disconnects. Each
// topic subscription is merged into one ordered write loop.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsEnvelope, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range wsTopics {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- wsEnvelope{Event: string(topic), Payload: msg, Time: time.Now().UTC()}:
				case <-done:
					return
				default:
					// Slow client: drop rather than stall the fan-in.
				}
			}
		}(topic, stream)
	}

	for env := range merged {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
