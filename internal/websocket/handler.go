package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the connection, sends the current status of every
// provider from snapshot, then streams changes until the client leaves.
func HandleWebSocket(hub *Hub, snapshot func() []Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		client := NewClient(hub, conn)
		if snapshot != nil {
			for _, msg := range snapshot() {
				client.Queue(msg)
			}
		}
		client.Run(r.Context())
	}
}
