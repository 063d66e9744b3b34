package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	statusPollInterval = 2 * time.Second
	statusWriteWait    = 10 * time.Second
)

// statusHub is a placeholder for a future push-on-change fan-out;
// today each connection polls the store independently, which is
// simple and correct for the snapshot sizes this system deals with.
type statusHub struct {
	upgrader websocket.Upgrader
}

func newStatusHub() *statusHub {
	return &statusHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type statusFrame struct {
	Type    string         `json:"type"`
	Payload statusResponse `json:"payload"`
}

// newStatusWebSocket returns the /ws/status handler: on connect, and
// every statusPollInterval thereafter, it pushes the current snapshot
// if it differs from the last one sent.
func (s *Server) newStatusWebSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.subscriber.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx := r.Context()
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()

		var lastPayload []byte
		send := func() bool {
			snap, err := s.store.Status(ctx, "")
			if err != nil {
				return true
			}
			payload, err := json.Marshal(statusFrame{
				Type:    "status",
				Payload: statusResponse{Locks: snap.Locks, RecentContexts: snap.RecentContexts},
			})
			if err != nil {
				return true
			}
			if bytes.Equal(payload, lastPayload) {
				return true
			}
			lastPayload = payload
			_ = conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
			return conn.WriteMessage(websocket.TextMessage, payload) == nil
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	})
}
