package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

// WSClient implements Client against a huddled server. One goroutine reads
// frames and routes them to pending requests or subscription feeds; writes
// are serialized by a mutex.
type WSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan Frame
	subs    map[int]*feed[Frame]
	// Events that arrived before the watch call registered its feed. The
	// server replies before it pushes, but both frames can sit in the read
	// buffer together, so the first events of a subscription may be read
	// before the caller has seen the sub id.
	stash map[int][]Frame

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Client = (*WSClient)(nil)

// Dial connects to a huddled server, e.g. ws://localhost:8484/ws.
func Dial(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to directory: %w", err)
	}

	c := &WSClient{
		conn:    conn,
		pending: make(map[int]chan Frame),
		subs:    make(map[int]*feed[Frame]),
		stash:   make(map[int][]Frame),
		closed:  make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *WSClient) readPump() {
	defer c.shutdown()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case OpResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpEvent:
			c.mu.Lock()
			sub := c.subs[f.Sub]
			if sub == nil && len(c.stash[f.Sub]) < feedBufferSize {
				c.stash[f.Sub] = append(c.stash[f.Sub], f)
			}
			c.mu.Unlock()
			if sub != nil {
				sub.publish(f)
			}
		default:
			util.LogWarning("directory: unexpected frame op %q", f.Op)
		}
	}
}

func (c *WSClient) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for id, f := range c.subs {
		delete(c.subs, id)
		f.close()
	}
	c.mu.Unlock()
	c.conn.Close()
}

// Close tears down the connection. The server drops every subscription and
// membership tied to it.
func (c *WSClient) Close() error {
	c.shutdown()
	return nil
}

// call performs one request/response round trip.
func (c *WSClient) call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(Frame{ID: id, Op: op, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("directory %s: %w", op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("directory %s: connection closed", op)
		}
		if f.Err != "" {
			return nil, DecodeError(f.Err)
		}
		return f.Data, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("directory %s: connection closed", op)
	}
}

func callAs[T any](c *WSClient, ctx context.Context, op string, payload any) (T, error) {
	var out T
	data, err := c.call(ctx, op, payload)
	if err != nil {
		return out, err
	}
	if len(data) > 0 {
		err = json.Unmarshal(data, &out)
	}
	return out, err
}

// watch performs a watch op and wires event frames into fn preserving order.
func (c *WSClient) watch(ctx context.Context, op string, payload any, fn func(Frame)) (Unsubscribe, error) {
	res, err := callAs[WatchResult](c, ctx, op, payload)
	if err != nil {
		return nil, err
	}
	f := newFeed(fn)
	c.mu.Lock()
	c.subs[res.Sub] = f
	// Replay events that beat this registration, in arrival order, before
	// the read pump can route anything newer.
	for _, ev := range c.stash[res.Sub] {
		f.publish(ev)
	}
	delete(c.stash, res.Sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, res.Sub)
		c.mu.Unlock()
		f.close()
		// Best effort; the server also reaps subscriptions on disconnect.
		if _, err := c.call(context.Background(), OpUnsubscribe, UnsubscribeReq{Sub: res.Sub}); err != nil {
			util.LogDebug("directory: unsubscribe %d: %v", res.Sub, err)
		}
	}, nil
}

// ---------------------------------------------------------------------------
// Client implementation
// ---------------------------------------------------------------------------

func (c *WSClient) CreateRoom(ctx context.Context, cfg room.Config, host room.User) (*room.Room, error) {
	return callAs[*room.Room](c, ctx, OpCreateRoom, CreateRoomReq{Config: cfg, Host: host})
}

func (c *WSClient) Room(ctx context.Context, roomID string) (*room.Room, error) {
	return callAs[*room.Room](c, ctx, OpGetRoom, RoomReq{RoomID: roomID})
}

func (c *WSClient) RoomByCode(ctx context.Context, code string) (*room.Room, error) {
	return callAs[*room.Room](c, ctx, OpRoomByCode, RoomByCodeReq{Code: code})
}

func (c *WSClient) ActiveRooms(ctx context.Context) ([]room.Room, error) {
	return callAs[[]room.Room](c, ctx, OpListRooms, nil)
}

func (c *WSClient) End(ctx context.Context, roomID string) error {
	_, err := c.call(ctx, OpEnd, RoomReq{RoomID: roomID})
	return err
}

func (c *WSClient) Join(ctx context.Context, roomID string, user room.User) error {
	_, err := c.call(ctx, OpJoin, JoinReq{RoomID: roomID, User: user})
	return err
}

func (c *WSClient) Leave(ctx context.Context, roomID, userID string) error {
	_, err := c.call(ctx, OpLeave, LeaveReq{RoomID: roomID, UserID: userID})
	return err
}

func (c *WSClient) Participants(ctx context.Context, roomID string) ([]room.Participant, error) {
	return callAs[[]room.Participant](c, ctx, OpParticipants, RoomReq{RoomID: roomID})
}

func (c *WSClient) WatchRoom(ctx context.Context, roomID string, fn func(*room.Room)) (Unsubscribe, error) {
	return c.watch(ctx, OpWatchRoom, RoomReq{RoomID: roomID}, func(f Frame) {
		var r *room.Room
		if err := json.Unmarshal(f.Data, &r); err != nil {
			util.LogWarning("directory: bad room event: %v", err)
			return
		}
		fn(r)
	})
}

func (c *WSClient) WatchParticipants(ctx context.Context, roomID string, fn func([]room.Participant)) (Unsubscribe, error) {
	return c.watch(ctx, OpWatchParticipants, RoomReq{RoomID: roomID}, func(f Frame) {
		var parts []room.Participant
		if err := json.Unmarshal(f.Data, &parts); err != nil {
			util.LogWarning("directory: bad participants event: %v", err)
			return
		}
		fn(parts)
	})
}

func (c *WSClient) Publish(ctx context.Context, roomID string, msg signal.Message) error {
	_, err := c.call(ctx, OpPublish, PublishReq{RoomID: roomID, Message: msg})
	return err
}

func (c *WSClient) WatchInbox(ctx context.Context, roomID, userID string, kind signal.Kind, fn func(signal.Message, signal.Handle)) (Unsubscribe, error) {
	req := WatchInboxReq{RoomID: roomID, UserID: userID, Kind: kind}
	return c.watch(ctx, OpWatchInbox, req, func(f Frame) {
		var ev InboxEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			util.LogWarning("directory: bad inbox event: %v", err)
			return
		}
		fn(ev.Message, ev.Handle)
	})
}

func (c *WSClient) Consume(ctx context.Context, h signal.Handle) error {
	_, err := c.call(ctx, OpConsume, h)
	return err
}

func (c *WSClient) TouchPresence(ctx context.Context, roomID string, p signal.Presence) error {
	_, err := c.call(ctx, OpPresence, PresenceReq{RoomID: roomID, Presence: p})
	return err
}

func (c *WSClient) ClearPresence(ctx context.Context, roomID, userID string) error {
	_, err := c.call(ctx, OpClearPresence, ClearPresenceReq{RoomID: roomID, UserID: userID})
	return err
}
