package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

// Memory is the in-process store implementation. The hub serves it over
// WebSocket; tests and single-process setups use it directly.
//
// One mutex guards all state. Every membership mutation is a single
// critical section, which is what gives Join its transactional guarantee.
// Subscriber callbacks run outside the lock, delivered in order per
// subscription via feeds.
type Memory struct {
	mu      sync.Mutex
	rooms   map[string]*memRoom
	nextSub int
	closed  bool
}

type memRoom struct {
	info         room.Room
	participants map[string]room.Participant
	// recipient → kind → message id → message
	mailboxes map[string]map[signal.Kind]map[string]signal.Message
	presence  map[string]signal.Presence

	roomFeeds  map[int]*feed[*room.Room]
	partFeeds  map[int]*feed[[]room.Participant]
	inboxFeeds map[inboxKey]map[int]*feed[inboxItem]
}

type inboxKey struct {
	userID string
	kind   signal.Kind
}

type inboxItem struct {
	msg signal.Message
	h   signal.Handle
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memRoom)}
}

func newMemRoom(info room.Room) *memRoom {
	return &memRoom{
		info:         info,
		participants: make(map[string]room.Participant),
		mailboxes:    make(map[string]map[signal.Kind]map[string]signal.Message),
		presence:     make(map[string]signal.Presence),
		roomFeeds:    make(map[int]*feed[*room.Room]),
		partFeeds:    make(map[int]*feed[[]room.Participant]),
		inboxFeeds:   make(map[inboxKey]map[int]*feed[inboxItem]),
	}
}

// ---------------------------------------------------------------------------
// Room lifecycle
// ---------------------------------------------------------------------------

func (m *Memory) CreateRoom(_ context.Context, cfg room.Config, host room.User) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code := ""
	for i := 0; i < room.CodeAttempts; i++ {
		candidate := room.NewCode()
		if !m.codeTakenLocked(candidate) {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, room.ErrCodeCollision
	}

	name := cfg.Name
	if name == "" {
		name = host.Name + "'s Room"
	}
	now := time.Now()
	info := room.Room{
		ID:                  uuid.NewString(),
		Name:                name,
		Code:                code,
		HostID:              host.ID,
		HostName:            host.Name,
		MaxParticipants:     room.ClampCapacity(cfg.MaxParticipants),
		CurrentParticipants: 1,
		Status:              room.StatusWaiting,
		Active:              true,
		CreatedAt:           now,
		LastActivity:        now,
	}

	r := newMemRoom(info)
	r.participants[host.ID] = room.Participant{
		UserID:    host.ID,
		Name:      host.Name,
		AvatarURL: host.AvatarURL,
		IsHost:    true,
		IsActive:  true,
		JoinedAt:  now,
	}
	m.rooms[info.ID] = r

	out := info
	return &out, nil
}

// Load installs a room and its participants directly, bypassing creation
// checks. The hub uses it to restore persisted rooms on startup.
func (m *Memory) Load(info room.Room, parts []room.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := newMemRoom(info)
	for _, p := range parts {
		r.participants[p.UserID] = p
	}
	m.rooms[info.ID] = r
}

func (m *Memory) codeTakenLocked(code string) bool {
	for _, r := range m.rooms {
		if r.info.Active && r.info.Code == code {
			return true
		}
	}
	return false
}

func (m *Memory) Room(_ context.Context, roomID string) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, room.ErrNotFound
	}
	out := r.info
	return &out, nil
}

func (m *Memory) RoomByCode(_ context.Context, code string) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.info.Active && r.info.Code == code {
			out := r.info
			return &out, nil
		}
	}
	return nil, room.ErrNotFound
}

func (m *Memory) ActiveRooms(_ context.Context) ([]room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []room.Room
	for _, r := range m.rooms {
		if r.info.Active && r.info.Status != room.StatusEnded {
			out = append(out, r.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) End(_ context.Context, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return room.ErrNotFound
	}
	r.info.Status = room.StatusEnded
	r.info.Active = false
	r.info.LastActivity = time.Now()
	notify := r.roomSnapshotLocked()
	m.mu.Unlock()

	notify()
	return nil
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Join re-checks everything under the lock: the pre-checks a client did
// against a stale snapshot count for nothing here.
func (m *Memory) Join(_ context.Context, roomID string, user room.User) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return room.ErrNotFound
	}
	if _, joined := r.participants[user.ID]; joined {
		// Idempotent join: already a participant, nothing changes.
		m.mu.Unlock()
		return nil
	}
	if err := r.info.Joinable(); err != nil {
		m.mu.Unlock()
		return err
	}

	r.participants[user.ID] = room.Participant{
		UserID:    user.ID,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		IsHost:    false,
		IsActive:  true,
		JoinedAt:  time.Now(),
	}
	r.info.CurrentParticipants++
	r.info.LastActivity = time.Now()
	if r.info.CurrentParticipants >= 2 && r.info.Status == room.StatusWaiting {
		r.info.Status = room.StatusActive
	}
	notifyRoom := r.roomSnapshotLocked()
	notifyParts := r.participantSnapshotLocked()
	m.mu.Unlock()

	notifyRoom()
	notifyParts()
	return nil
}

func (m *Memory) Leave(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return room.ErrNotFound
	}
	if _, joined := r.participants[userID]; !joined {
		m.mu.Unlock()
		return nil
	}

	delete(r.participants, userID)
	if r.info.CurrentParticipants > 0 {
		r.info.CurrentParticipants--
	}
	if r.info.CurrentParticipants < 2 && r.info.Status == room.StatusActive {
		r.info.Status = room.StatusWaiting
	}
	r.info.LastActivity = time.Now()

	// The leaver's transient state goes with them.
	delete(r.mailboxes, userID)
	delete(r.presence, userID)

	notifyRoom := r.roomSnapshotLocked()
	notifyParts := r.participantSnapshotLocked()
	m.mu.Unlock()

	notifyRoom()
	notifyParts()
	return nil
}

func (m *Memory) Participants(_ context.Context, roomID string) ([]room.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, room.ErrNotFound
	}
	return r.participantsLocked(), nil
}

func (r *memRoom) participantsLocked() []room.Participant {
	out := make([]room.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// roomSnapshotLocked captures the current room info and returns a closure
// that fans it out to room watchers. The closure must run after unlocking.
func (r *memRoom) roomSnapshotLocked() func() {
	info := r.info
	feeds := make([]*feed[*room.Room], 0, len(r.roomFeeds))
	for _, f := range r.roomFeeds {
		feeds = append(feeds, f)
	}
	return func() {
		for _, f := range feeds {
			snapshot := info
			f.publish(&snapshot)
		}
	}
}

func (r *memRoom) participantSnapshotLocked() func() {
	parts := r.participantsLocked()
	feeds := make([]*feed[[]room.Participant], 0, len(r.partFeeds))
	for _, f := range r.partFeeds {
		feeds = append(feeds, f)
	}
	return func() {
		for _, f := range feeds {
			f.publish(parts)
		}
	}
}

// ---------------------------------------------------------------------------
// Watches
// ---------------------------------------------------------------------------

func (m *Memory) WatchRoom(_ context.Context, roomID string, fn func(*room.Room)) (Unsubscribe, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, room.ErrNotFound
	}
	m.nextSub++
	id := m.nextSub
	f := newFeed(fn)
	r.roomFeeds[id] = f
	info := r.info
	m.mu.Unlock()

	// Initial snapshot, like every live feed here.
	f.publish(&info)

	return func() {
		m.mu.Lock()
		delete(r.roomFeeds, id)
		m.mu.Unlock()
		f.close()
	}, nil
}

func (m *Memory) WatchParticipants(_ context.Context, roomID string, fn func([]room.Participant)) (Unsubscribe, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, room.ErrNotFound
	}
	m.nextSub++
	id := m.nextSub
	f := newFeed(fn)
	r.partFeeds[id] = f
	parts := r.participantsLocked()
	m.mu.Unlock()

	f.publish(parts)

	return func() {
		m.mu.Lock()
		delete(r.partFeeds, id)
		m.mu.Unlock()
		f.close()
	}, nil
}

// ---------------------------------------------------------------------------
// Signaling mailboxes
// ---------------------------------------------------------------------------

func (m *Memory) Publish(_ context.Context, roomID string, msg signal.Message) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return room.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	boxes, ok := r.mailboxes[msg.To]
	if !ok {
		boxes = make(map[signal.Kind]map[string]signal.Message)
		r.mailboxes[msg.To] = boxes
	}
	box, ok := boxes[msg.Kind]
	if !ok {
		box = make(map[string]signal.Message)
		boxes[msg.Kind] = box
	}
	box[msg.ID] = msg

	item := inboxItem{
		msg: msg,
		h: signal.Handle{
			RoomID:    roomID,
			UserID:    msg.To,
			Kind:      msg.Kind,
			MessageID: msg.ID,
		},
	}
	feeds := make([]*feed[inboxItem], 0)
	for _, f := range r.inboxFeeds[inboxKey{msg.To, msg.Kind}] {
		feeds = append(feeds, f)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.publish(item)
	}
	return nil
}

func (m *Memory) WatchInbox(_ context.Context, roomID, userID string, kind signal.Kind, fn func(signal.Message, signal.Handle)) (Unsubscribe, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, room.ErrNotFound
	}
	m.nextSub++
	id := m.nextSub
	f := newFeed(func(it inboxItem) { fn(it.msg, it.h) })
	key := inboxKey{userID, kind}
	if r.inboxFeeds[key] == nil {
		r.inboxFeeds[key] = make(map[int]*feed[inboxItem])
	}
	r.inboxFeeds[key][id] = f

	// Replay the backlog in publish order before following new arrivals.
	backlog := make([]signal.Message, 0, len(r.mailboxes[userID][kind]))
	for _, msg := range r.mailboxes[userID][kind] {
		backlog = append(backlog, msg)
	}
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].Timestamp.Before(backlog[j].Timestamp) })
	m.mu.Unlock()

	for _, msg := range backlog {
		f.publish(inboxItem{
			msg: msg,
			h:   signal.Handle{RoomID: roomID, UserID: userID, Kind: kind, MessageID: msg.ID},
		})
	}

	return func() {
		m.mu.Lock()
		if subs := r.inboxFeeds[key]; subs != nil {
			delete(subs, id)
		}
		m.mu.Unlock()
		f.close()
	}, nil
}

func (m *Memory) Consume(_ context.Context, h signal.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[h.RoomID]
	if !ok {
		return nil
	}
	if box := r.mailboxes[h.UserID][h.Kind]; box != nil {
		delete(box, h.MessageID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func (m *Memory) TouchPresence(_ context.Context, roomID string, p signal.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return room.ErrNotFound
	}
	r.presence[p.UserID] = p
	return nil
}

func (m *Memory) ClearPresence(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	delete(r.presence, userID)
	return nil
}

// Presence returns the current presence record for a user, if any.
// Diagnostic only.
func (m *Memory) Presence(roomID, userID string) (signal.Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return signal.Presence{}, false
	}
	p, ok := r.presence[userID]
	return p, ok
}

// PendingMessages reports how many messages sit unconsumed in one mailbox.
// Diagnostic only.
func (m *Memory) PendingMessages(roomID, userID string, kind signal.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.mailboxes[userID][kind])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, r := range m.rooms {
		for _, f := range r.roomFeeds {
			f.close()
		}
		for _, f := range r.partFeeds {
			f.close()
		}
		for _, subs := range r.inboxFeeds {
			for _, f := range subs {
				f.close()
			}
		}
	}
	return nil
}
