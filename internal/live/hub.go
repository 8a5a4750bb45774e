package live

import (
	"context"
	"errors"
	"sync"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
)

// Hub groups live connections by browser session so that logging out in one
// tab logs out the others.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Conn]struct{}

	identity backend.Identity
	log      logger.Logger
}

func NewHub(identity backend.Identity, log logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Conn]struct{}),
		identity: identity,
		log:      log,
	}
}

// Register adds c under sid and returns the matching unregister func.
func (h *Hub) Register(sid string, c *Conn) func() {
	h.mu.Lock()
	conns, ok := h.sessions[sid]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.sessions[sid] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(conns, c)
		if len(h.sessions[sid]) == 0 {
			delete(h.sessions, sid)
		}
	}
}

// Count returns how many tabs are live for sid.
func (h *Hub) Count(sid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sid])
}

// Total returns how many tabs are live across all sessions.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.sessions {
		n += len(conns)
	}
	return n
}

// Logout ends the remote session once and clears every tab of sid. Without a
// live tab the identity provider is called directly.
func (h *Hub) Logout(ctx context.Context, sid, accessToken string) error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.sessions[sid]))
	for c := range h.sessions[sid] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	signedOut := false
	var err error
	for _, c := range conns {
		if signedOut {
			c.sync.Clear()
			continue
		}
		// A tab that is shutting down reports ErrClosed; try the next one.
		if err = c.sync.Logout(ctx); !errors.Is(err, domain.ErrClosed) {
			signedOut = true
		}
	}

	if !signedOut {
		err = nil
		if accessToken != "" {
			err = domain.Wrap(domain.KindIdentity, "sign_out", h.identity.SignOut(ctx, accessToken))
		}
	}

	h.log.Info("browser session logged out",
		logger.String("sid", sid),
		logger.Int("tabs", len(conns)))
	return err
}
