package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024 // SDP offers with many candidates are chunky
	sendBufferSize = 256
)

// client is one WebSocket connection's server-side state: its outbound
// queue, its live subscriptions, and the memberships it created. When the
// connection drops, every subscription is cancelled and every membership
// is left, so a crashed participant disappears from its rooms.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan directory.Frame

	mu      sync.Mutex
	closed  bool
	nextSub int
	subs    map[int]directory.Unsubscribe
	joined  map[string]string // roomID → userID joined through this connection
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan directory.Frame, sendBufferSize),
		subs:   make(map[int]directory.Unsubscribe),
		joined: make(map[string]string),
	}
}

// enqueue hands a frame to the write pump without blocking the store.
func (c *client) enqueue(f directory.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		util.LogWarning("hub: send queue full for %s, dropping frame", c.conn.RemoteAddr())
	}
}

func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f directory.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogDebug("hub: read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs when the connection drops: cancel subscriptions, leave the
// rooms this connection joined, close the socket.
func (c *client) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	joined := c.joined
	c.subs = make(map[int]directory.Unsubscribe)
	c.joined = make(map[string]string)
	c.mu.Unlock()

	for _, u := range subs {
		u()
	}
	ctx := context.Background()
	for roomID, userID := range joined {
		if err := c.hub.store.Leave(ctx, roomID, userID); err != nil {
			util.LogDebug("hub: auto-leave %s from %s: %v", userID, roomID, err)
			continue
		}
		c.hub.persistLeave(roomID, userID)
		util.LogInfo("hub: %s disconnected, removed from room %s", userID, roomID)
	}
	c.conn.Close()
	close(c.send)
}

func (c *client) trackJoin(roomID, userID string) {
	c.mu.Lock()
	c.joined[roomID] = userID
	c.mu.Unlock()
}

func (c *client) untrackJoin(roomID string) {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()
}

// reserveSub allocates a subscription id up front so watch callbacks can
// reference it before the store call returns.
func (c *client) reserveSub() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	return c.nextSub
}

func (c *client) setSub(id int, u directory.Unsubscribe) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		u()
		return
	}
	c.subs[id] = u
	c.mu.Unlock()
}

func (c *client) dropSub(id int) {
	c.mu.Lock()
	u, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		u()
	}
}

// event marshals one subscription notification into an event frame.
func (c *client) event(sub int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		util.LogWarning("hub: encode event: %v", err)
		return
	}
	c.enqueue(directory.Frame{Op: directory.OpEvent, Sub: sub, Data: data})
}

// persistJoin writes the post-join room and participant rows through.
func (h *Hub) persistJoin(roomID, userID string) {
	ctx := context.Background()
	if r, err := h.store.Room(ctx, roomID); err == nil {
		h.persist.saveRoom(*r)
	}
	parts, err := h.store.Participants(ctx, roomID)
	if err != nil {
		return
	}
	for _, p := range parts {
		if p.UserID == userID {
			h.persist.saveParticipant(roomID, p)
			return
		}
	}
}

func (h *Hub) persistLeave(roomID, userID string) {
	h.persist.deleteParticipant(roomID, userID)
	if r, err := h.store.Room(context.Background(), roomID); err == nil {
		h.persist.saveRoom(*r)
	}
}

// dispatch executes one request frame and queues its result. Watch ops
// reply from inside handle, before their first event can be queued.
func (c *client) dispatch(f directory.Frame) {
	data, replied, err := c.handle(f)
	if replied {
		return
	}
	res := directory.Frame{ID: f.ID, Op: directory.OpResult}
	if err != nil {
		res.Err = directory.EncodeError(err)
	} else {
		res.Data = data
	}
	c.enqueue(res)
}

// replyWatch registers a gated watch: the result frame with the assigned
// sub id is queued before the gate opens, so the subscription's initial
// snapshot can never overtake it on the wire.
func (c *client) replyWatch(reqID int, establish func(sub int, gate <-chan struct{}) (directory.Unsubscribe, error)) error {
	sub := c.reserveSub()
	gate := make(chan struct{})
	u, err := establish(sub, gate)
	if err != nil {
		return err
	}
	c.setSub(sub, u)

	data, err := json.Marshal(directory.WatchResult{Sub: sub})
	if err != nil {
		close(gate)
		return err
	}
	c.enqueue(directory.Frame{ID: reqID, Op: directory.OpResult, Data: data})
	close(gate)
	return nil
}

func (c *client) handle(f directory.Frame) (json.RawMessage, bool, error) {
	ctx := context.Background()
	store := c.hub.store

	switch f.Op {
	case directory.OpCreateRoom:
		var req directory.CreateRoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		r, err := store.CreateRoom(ctx, req.Config, req.Host)
		if err != nil {
			return nil, false, err
		}
		c.hub.persistJoin(r.ID, req.Host.ID)
		c.trackJoin(r.ID, req.Host.ID)
		util.LogInfo("hub: room %s (%s) created by %s", r.Code, r.Name, req.Host.Name)
		data, err := json.Marshal(r)
		return data, false, err

	case directory.OpGetRoom:
		var req directory.RoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		r, err := store.Room(ctx, req.RoomID)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(r)
		return data, false, err

	case directory.OpRoomByCode:
		var req directory.RoomByCodeReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		r, err := store.RoomByCode(ctx, req.Code)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(r)
		return data, false, err

	case directory.OpListRooms:
		rooms, err := store.ActiveRooms(ctx)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(rooms)
		return data, false, err

	case directory.OpParticipants:
		var req directory.RoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		parts, err := store.Participants(ctx, req.RoomID)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(parts)
		return data, false, err

	case directory.OpJoin:
		var req directory.JoinReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		if err := store.Join(ctx, req.RoomID, req.User); err != nil {
			return nil, false, err
		}
		c.hub.persistJoin(req.RoomID, req.User.ID)
		c.trackJoin(req.RoomID, req.User.ID)
		util.LogInfo("hub: %s joined room %s", req.User.Name, req.RoomID)
		return nil, false, nil

	case directory.OpLeave:
		var req directory.LeaveReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		if err := store.Leave(ctx, req.RoomID, req.UserID); err != nil {
			return nil, false, err
		}
		c.hub.persistLeave(req.RoomID, req.UserID)
		c.untrackJoin(req.RoomID)
		util.LogInfo("hub: %s left room %s", req.UserID, req.RoomID)
		return nil, false, nil

	case directory.OpEnd:
		var req directory.RoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		if err := store.End(ctx, req.RoomID); err != nil {
			return nil, false, err
		}
		if r, err := store.Room(ctx, req.RoomID); err == nil {
			c.hub.persist.saveRoom(*r)
		}
		return nil, false, nil

	case directory.OpPublish:
		var req directory.PublishReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		return nil, false, store.Publish(ctx, req.RoomID, req.Message)

	case directory.OpConsume:
		var h signal.Handle
		if err := json.Unmarshal(f.Data, &h); err != nil {
			return nil, false, err
		}
		return nil, false, store.Consume(ctx, h)

	case directory.OpPresence:
		var req directory.PresenceReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		return nil, false, store.TouchPresence(ctx, req.RoomID, req.Presence)

	case directory.OpClearPresence:
		var req directory.ClearPresenceReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		return nil, false, store.ClearPresence(ctx, req.RoomID, req.UserID)

	case directory.OpWatchRoom:
		var req directory.RoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		err := c.replyWatch(f.ID, func(sub int, gate <-chan struct{}) (directory.Unsubscribe, error) {
			return store.WatchRoom(ctx, req.RoomID, func(r *room.Room) {
				<-gate
				c.event(sub, r)
			})
		})
		return nil, err == nil, err

	case directory.OpWatchParticipants:
		var req directory.RoomReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		err := c.replyWatch(f.ID, func(sub int, gate <-chan struct{}) (directory.Unsubscribe, error) {
			return store.WatchParticipants(ctx, req.RoomID, func(parts []room.Participant) {
				<-gate
				c.event(sub, parts)
			})
		})
		return nil, err == nil, err

	case directory.OpWatchInbox:
		var req directory.WatchInboxReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		err := c.replyWatch(f.ID, func(sub int, gate <-chan struct{}) (directory.Unsubscribe, error) {
			return store.WatchInbox(ctx, req.RoomID, req.UserID, req.Kind, func(msg signal.Message, h signal.Handle) {
				<-gate
				c.event(sub, directory.InboxEvent{Message: msg, Handle: h})
			})
		})
		return nil, err == nil, err

	case directory.OpUnsubscribe:
		var req directory.UnsubscribeReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return nil, false, err
		}
		c.dropSub(req.Sub)
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("unknown op %q", f.Op)
	}
}
