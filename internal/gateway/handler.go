package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin through the edge proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Bind wires hub control traffic into the subscription manager: subscribe
// joins the symbol rooms, unsubscribe leaves them, disconnect clears the
// client's whole subscription.
func Bind(h *Hub, mgr *stream.Manager) {
	h.OnControl(func(clientID string, msg ControlMessage) {
		switch msg.Action {
		case "subscribe":
			if len(msg.Symbols) == 0 {
				h.Send(clientID, "error", map[string]any{"message": "subscribe requires symbols"})
				return
			}
			capability := msg.Capability
			if capability == "" {
				capability = "stream-stock-quote"
			}
			mgr.Add(clientID, msg.Symbols, capability, msg.Provider)
			for _, s := range msg.Symbols {
				h.Join(clientID, "symbol:"+s)
			}
			h.Send(clientID, "subscribed", map[string]any{"symbols": msg.Symbols})
		case "unsubscribe":
			mgr.Remove(clientID, msg.Symbols)
			for _, s := range msg.Symbols {
				h.Leave(clientID, "symbol:"+s)
			}
			h.Send(clientID, "unsubscribed", map[string]any{"symbols": msg.Symbols})
		case "ping":
			mgr.UpdateActivity(clientID)
			h.Send(clientID, "pong", nil)
		default:
			h.Send(clientID, "error", map[string]any{"message": "unknown action: " + msg.Action})
		}
	})
	h.OnClose(func(clientID string) {
		mgr.Remove(clientID, nil)
	})
}

// Handler upgrades HTTP requests into hub connections.
func Handler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		c := h.Register(ws)
		h.Send(c.ID, "connected", map[string]any{"clientId": c.ID})
	}
}
