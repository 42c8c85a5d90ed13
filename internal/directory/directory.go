// Package directory is the room, membership, and signaling-mailbox store the
// session core runs against. Two implementations exist: Memory, an
// in-process store with transactional join/leave, and WSClient, which talks
// to a huddled server over WebSocket. The hub serves Memory over the same
// wire protocol WSClient speaks, so both paths share one set of semantics.
package directory

import (
	"context"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

// Unsubscribe cancels a live watch. Safe to call more than once.
type Unsubscribe func()

// Client is the full contract the session core consumes.
//
// Join is atomic: capacity and duplicate checks, the participant insert, and
// the count increment happen inside one critical section so concurrent joins
// can never overbook a room. Joining a room one is already in is a no-op.
//
// Watch callbacks for one subscription are delivered in order, one at a
// time; callbacks are free to call back into the Client.
type Client interface {
	// Room lifecycle.
	CreateRoom(ctx context.Context, cfg room.Config, host room.User) (*room.Room, error)
	Room(ctx context.Context, roomID string) (*room.Room, error)
	RoomByCode(ctx context.Context, code string) (*room.Room, error)
	ActiveRooms(ctx context.Context) ([]room.Room, error)
	End(ctx context.Context, roomID string) error

	// Membership.
	Join(ctx context.Context, roomID string, user room.User) error
	Leave(ctx context.Context, roomID, userID string) error
	Participants(ctx context.Context, roomID string) ([]room.Participant, error)

	// Live change feeds. WatchRoom delivers nil when the room is deleted.
	WatchRoom(ctx context.Context, roomID string, fn func(*room.Room)) (Unsubscribe, error)
	WatchParticipants(ctx context.Context, roomID string, fn func([]room.Participant)) (Unsubscribe, error)

	// Signaling mailboxes. WatchInbox first replays messages already
	// pending in the mailbox, then follows new arrivals. Consume deletes
	// the addressed message; consuming an already-consumed handle is a
	// no-op so replays cannot fail the caller.
	Publish(ctx context.Context, roomID string, msg signal.Message) error
	WatchInbox(ctx context.Context, roomID, userID string, kind signal.Kind, fn func(signal.Message, signal.Handle)) (Unsubscribe, error)
	Consume(ctx context.Context, h signal.Handle) error

	// Diagnostic presence. Never consulted for protocol decisions.
	TouchPresence(ctx context.Context, roomID string, p signal.Presence) error
	ClearPresence(ctx context.Context, roomID, userID string) error

	Close() error
}
