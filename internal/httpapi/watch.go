package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var liveSessionUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The watch endpoint is read-only telemetry relayed to operator UIs
	// across origins; it carries no credentials beyond the already-
	// authenticated request that reached this handler.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const liveSessionPingInterval = 30 * time.Second

// serveLiveSessionWatch upgrades the connection and relays every message
// published on channel until the client disconnects or the subscription
// ends. It never accepts client input beyond the initial handshake.
func serveLiveSessionWatch(w http.ResponseWriter, r *http.Request, sub LiveSubscriber, channel string) {
	messages, cancel, err := sub.Subscribe(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := liveSessionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(liveSessionPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case payload, ok := <-messages:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
