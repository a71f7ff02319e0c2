package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	// The API is local to one user and already token-gated.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RefreshStatusStream upgrades to a WebSocket that receives the current
// refresh status and every change after it.
func (api *API) RefreshStatusStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logf("websocket upgrade failed request_id=%s err=%v", requestID(r), err)
		return
	}

	client := api.hub.Register(conn)
	if client == nil {
		return
	}
	if err := client.WriteJSON(api.refresh.Status()); err != nil {
		api.hub.Unregister(client)
		return
	}

	go func() {
		defer api.hub.Unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
