package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/chatcore/internal/syncqueue"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventBuffer       = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleQueueEvents streams the queue status over a websocket: once on
// connect and then after every queue change. Slow clients miss intermediate
// states but always receive the newest one.
func handleQueueEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		updates := make(chan syncqueue.Status, eventBuffer)
		unsubscribe := deps.Queue.Subscribe(func(st syncqueue.Status) {
			select {
			case updates <- st:
			default:
				// Drop the oldest update to make room for the newest.
				select {
				case <-updates:
				default:
				}
				select {
				case updates <- st:
				default:
				}
			}
		})
		defer unsubscribe()

		// The reader only watches for the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(st syncqueue.Status) bool {
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				deps.Logger.Debug("queue event write failed", "error", err)
				return false
			}
			return true
		}

		if !send(deps.Queue.Status()) {
			return
		}
		for {
			select {
			case st := <-updates:
				if !send(st) {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
