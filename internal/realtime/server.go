package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"companiond/internal/observability"
)

// Authenticator validates the handshake's API key and tenant standing
// against the external tenant/API-key store (out of scope for this
// pipeline; only the boundary interface lives here).
type Authenticator interface {
	Authenticate(apiKey, tenant, player string) bool
	// Active reports whether the tenant is in good standing. A tenant can
	// authenticate (valid key) yet still be rejected if suspended.
	Active(tenant string) bool
}

// Close codes in the 4000-4999 private-use range (RFC 6455 §7.4.2), one per
// handshake-rejection cause so a client can distinguish them without parsing
// the close reason string (spec 4.7/6.2: "rejected with a distinct close
// code").
const (
	closeCodeAuthFailed     = 4001
	closeCodeTenantInactive = 4002
)

// handshake is the first (and only mandatory) client->server message: it
// carries the credentials the upgrade itself cannot, since browsers cannot
// set arbitrary headers on a websocket handshake.
type handshake struct {
	APIKey string `json:"api_key"`
	Tenant string `json:"tenant"`
	Player string `json:"player_id"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades inbound HTTP connections and registers a Session with the
// Hub once the handshake passes authentication.
type Server struct {
	hub  *Hub
	auth Authenticator
}

func NewServer(hub *Hub, auth Authenticator) *Server {
	return &Server{hub: hub, auth: auth}
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.LoggerWithTrace(r.Context()).Warn().Err(err).Msg("realtime_upgrade_failed")
		return
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		closeWithCode(conn, closeCodeAuthFailed, "auth_failed")
		return
	}
	if hs.Tenant == "" || hs.Player == "" || !srv.auth.Authenticate(hs.APIKey, hs.Tenant, hs.Player) {
		closeWithCode(conn, closeCodeAuthFailed, "auth_failed")
		return
	}
	if !srv.auth.Active(hs.Tenant) {
		closeWithCode(conn, closeCodeTenantInactive, "tenant_inactive")
		return
	}

	session := newSession(srv.hub, conn, hs.Tenant, hs.Player)
	srv.hub.register <- session

	pongWait := srv.hub.cfg.Heartbeat() * 2
	if srv.hub.cfg.StaleBuffer() > pongWait {
		pongWait = srv.hub.cfg.StaleBuffer()
	}

	go session.writePump(srv.hub.cfg.Heartbeat())
	session.readPump(pongWait)
}

// closeWithCode sends a real websocket close control frame carrying the
// given code and reason, then tears down the connection. Plain conn.Close()
// sends no close frame at all, leaving the client unable to distinguish why
// the handshake was rejected.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}
