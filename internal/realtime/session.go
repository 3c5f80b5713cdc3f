package realtime

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"companiond/internal/domain"
	"companiond/internal/observability"
)

const writeWait = 10 * time.Second

// Session is one connected player's duplex channel: an outbound buffer fed
// by Push, a heartbeat loop, and a read loop whose only job is to keep the
// connection's read deadline alive via pong frames (spec 4.7 never expects
// meaningful client->server payloads beyond the auth handshake).
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	key    string
	tenant string
	player string

	send chan PushMessage

	seq         uint64
	lostCount   uint64
	missedPongs int32
}

func newSession(hub *Hub, conn *websocket.Conn, tenant, player string) *Session {
	return &Session{
		hub:    hub,
		conn:   conn,
		key:    sessionKey(tenant, player),
		tenant: tenant,
		player: player,
		send:   make(chan PushMessage, hub.cfg.BufferSize),
	}
}

// enqueue assigns the next seq and attempts a non-blocking send; on a full
// buffer it evicts the oldest buffered push to make room, so the client
// loses stale backlog rather than the current state (spec 4.7: "on overflow,
// the oldest buffered pushes are dropped").
func (s *Session) enqueue(resp domain.Response) error {
	msg := PushMessage{Seq: s.nextSeq(), Tenant: s.tenant, Player: s.player, Response: resp}
	for {
		select {
		case s.send <- msg:
			return nil
		default:
		}
		select {
		case <-s.send:
			s.recordLoss()
		default:
			// buffer drained concurrently by writePump; retry the send.
		}
	}
}

func (s *Session) nextSeq() uint64 { return atomic.AddUint64(&s.seq, 1) }

func (s *Session) recordLoss() uint64 { return atomic.AddUint64(&s.lostCount, 1) }

func (s *Session) resetMissedPongs() { atomic.StoreInt32(&s.missedPongs, 0) }

func (s *Session) incMissedPongs() int32 { return atomic.AddInt32(&s.missedPongs, 1) }

// readPump keeps the connection's read deadline alive via pong frames; any
// read error (including a stale-connection timeout) unregisters the session.
func (s *Session) readPump(pongWait time.Duration) {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.resetMissedPongs()
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the outbound buffer and pings on a fixed interval,
// closing the session after two consecutive missed pongs.
func (s *Session) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg.LostCount = atomic.SwapUint64(&s.lostCount, 0)
			raw := marshalPush(msg)
			if raw == nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			if s.incMissedPongs() > 2 {
				observability.LoggerWithTrace(nil).Warn().Str("tenant", s.tenant).Str("player", s.player).Msg("realtime_session_stale_closing")
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
