// Package hub is the huddled server: it serves the directory wire protocol
// over WebSocket on top of an in-memory store, persisting room lifecycle to
// sqlite so active rooms survive a restart.
package hub

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// SDP payloads come from authenticated app clients, not browsers on
	// arbitrary origins; the deployment proxy enforces origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the shared store and hands each WebSocket connection its own
// client pump pair.
type Hub struct {
	store   *directory.Memory
	persist *persistence
}

// New opens the sqlite store, restores active rooms into memory, and
// returns a ready hub.
func New(cfg config.Server) (*Hub, error) {
	p, err := openPersistence(cfg.DB)
	if err != nil {
		return nil, err
	}

	store := directory.NewMemory()
	rooms, parts, err := p.activeRooms()
	if err != nil {
		return nil, err
	}
	for _, r := range rooms {
		store.Load(r, parts[r.ID])
	}
	if len(rooms) > 0 {
		util.LogInfo("hub: restored %d active room(s)", len(rooms))
	}

	return &Hub{store: store, persist: p}, nil
}

// Store exposes the underlying memory store. Tests drive semantics through
// it directly.
func (h *Hub) Store() *directory.Memory {
	return h.store
}

// ServeWS upgrades one HTTP request and runs the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("hub: upgrade failed: %v", err)
		return
	}

	c := newClient(h, conn)
	go c.writePump()
	c.readPump() // returns when the connection drops, then cleans up
}

// Handler returns the hub's HTTP mux: the /ws endpoint plus a liveness
// check.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Close releases the store's subscriber goroutines.
func (h *Hub) Close() error {
	return h.store.Close()
}
