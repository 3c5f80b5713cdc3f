// Package realtime implements the Realtime Push Channel: a duplex
// websocket session per player that the Dispatcher fans responses into
// instead of (or alongside) the synchronous request/reply path (spec 4.7).
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"companiond/internal/config"
	"companiond/internal/domain"
	"companiond/internal/observability"
)

// PushMessage is the wire envelope delivered over the duplex channel. Seq
// increases monotonically per player so a client can detect gaps and reorder
// or request a resync; lost_count reports buffer drops since the last send.
type PushMessage struct {
	Seq       uint64          `json:"seq"`
	Tenant    string          `json:"tenant"`
	Player    string          `json:"player_id"`
	Response  domain.Response `json:"response"`
	LostCount uint64          `json:"lost_count,omitempty"`
}

// Hub tracks one Session per connected player and serializes
// registration/unregistration through channels, grounded on a classic
// register/unregister/broadcast hub loop.
type Hub struct {
	cfg config.PushConfig

	mu       sync.RWMutex
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session
}

func NewHub(cfg config.PushConfig) *Hub {
	return &Hub{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

func sessionKey(tenant, player string) string { return tenant + "|" + player }

// Run is the hub's event loop; call it in a goroutine for the process lifetime.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, s := range h.sessions {
				close(s.send)
			}
			h.sessions = map[string]*Session{}
			h.mu.Unlock()
			return
		case s := <-h.register:
			h.mu.Lock()
			if prev, ok := h.sessions[s.key]; ok {
				close(prev.send)
			}
			h.sessions[s.key] = s
			h.mu.Unlock()
			observability.LoggerWithTrace(ctx).Info().Str("tenant", s.tenant).Str("player", s.player).Msg("realtime_session_registered")
		case s := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.sessions[s.key]; ok && cur == s {
				delete(h.sessions, s.key)
			}
			h.mu.Unlock()
		}
	}
}

// Push implements dispatcher.Publisher: non-blocking send to the player's
// session, if one is connected. A full outbound buffer evicts the oldest
// buffered message and increments lost_count rather than blocking the
// dispatcher shard.
func (h *Hub) Push(ctx context.Context, tenant, player string, resp domain.Response) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionKey(tenant, player)]
	h.mu.RUnlock()
	if !ok {
		return nil // no connected session; the client will catch up via request/reply
	}
	return s.enqueue(resp)
}

// IsOnline reports whether a player currently has a connected session.
func (h *Hub) IsOnline(tenant, player string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[sessionKey(tenant, player)]
	return ok
}

func marshalPush(msg PushMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return b
}
