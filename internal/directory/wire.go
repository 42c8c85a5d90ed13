package directory

import (
	"encoding/json"
	"errors"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

// Wire protocol between WSClient and the hub. Requests carry a client-chosen
// correlation id; the hub answers with a frame of the same id. Watches are
// established by a request and then fed by unsolicited "event" frames tagged
// with the subscription id the hub assigned.

// Frame is every message on the wire, both directions.
type Frame struct {
	ID   int             `json:"id,omitempty"`   // request/response correlation
	Op   string          `json:"op"`             // request op, or "result"/"event"
	Sub  int             `json:"sub,omitempty"`  // subscription id on event frames
	Data json.RawMessage `json:"data,omitempty"` // op-specific payload
	Err  string          `json:"error,omitempty"`
}

// Request ops.
const (
	OpCreateRoom        = "create_room"
	OpGetRoom           = "get_room"
	OpRoomByCode        = "room_by_code"
	OpListRooms         = "list_rooms"
	OpJoin              = "join"
	OpLeave             = "leave"
	OpEnd               = "end"
	OpParticipants      = "participants"
	OpPublish           = "publish"
	OpConsume           = "consume"
	OpPresence          = "presence"
	OpClearPresence     = "clear_presence"
	OpWatchRoom         = "watch_room"
	OpWatchParticipants = "watch_participants"
	OpWatchInbox        = "watch_inbox"
	OpUnsubscribe       = "unsubscribe"
)

// Server frame ops.
const (
	OpResult = "result"
	OpEvent  = "event"
)

// Error codes carried in Frame.Err so sentinel errors survive the wire.
const (
	errRoomNotFound  = "room_not_found"
	errRoomEnded     = "room_ended"
	errRoomFull      = "room_full"
	errCodeCollision = "code_collision"
)

// EncodeError maps a directory error to its wire code.
func EncodeError(err error) string {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return errRoomNotFound
	case errors.Is(err, room.ErrEnded):
		return errRoomEnded
	case errors.Is(err, room.ErrFull):
		return errRoomFull
	case errors.Is(err, room.ErrCodeCollision):
		return errCodeCollision
	default:
		return err.Error()
	}
}

// DecodeError maps a wire code back to the matching sentinel error.
func DecodeError(code string) error {
	switch code {
	case "":
		return nil
	case errRoomNotFound:
		return room.ErrNotFound
	case errRoomEnded:
		return room.ErrEnded
	case errRoomFull:
		return room.ErrFull
	case errCodeCollision:
		return room.ErrCodeCollision
	default:
		return errors.New(code)
	}
}

// Request payloads.

type CreateRoomReq struct {
	Config room.Config `json:"config"`
	Host   room.User   `json:"host"`
}

type RoomReq struct {
	RoomID string `json:"roomId"`
}

type RoomByCodeReq struct {
	Code string `json:"code"`
}

type JoinReq struct {
	RoomID string    `json:"roomId"`
	User   room.User `json:"user"`
}

type LeaveReq struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type PublishReq struct {
	RoomID  string         `json:"roomId"`
	Message signal.Message `json:"message"`
}

type PresenceReq struct {
	RoomID   string          `json:"roomId"`
	Presence signal.Presence `json:"presence"`
}

type ClearPresenceReq struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type WatchInboxReq struct {
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
	Kind   signal.Kind `json:"kind"`
}

type UnsubscribeReq struct {
	Sub int `json:"sub"`
}

// WatchResult is the response to any watch op.
type WatchResult struct {
	Sub int `json:"sub"`
}

// InboxEvent is the event payload for watch_inbox subscriptions.
type InboxEvent struct {
	Message signal.Message `json:"message"`
	Handle  signal.Handle  `json:"handle"`
}
