package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nexus-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed are the topics forwarded to ops websocket clients.
var streamed = []events.Event{
	events.EventHealthChange,
	events.EventShutdown,
	events.EventJobEnqueued,
	events.EventJobCompleted,
	events.EventJobFailed,
	events.EventJobDeadLettered,
	events.EventBalanceUpdated,
	events.EventSecurityAlert,
	events.EventPartialCompletion,
}

type wsMessage struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
	At      time.Time    `json:"at"`
}

func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.deps.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsMessage, 128)
	for _, e := range streamed {
		ch, unsub := s.deps.Bus.Subscribe(e, 32)
		defer unsub()
		go func(e events.Event, ch <-chan any) {
			for payload := range ch {
				select {
				case out <- wsMessage{Event: e, Payload: payload, At: time.Now()}:
				default:
				}
			}
		}(e, ch)
	}

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
