// Package relay adapts the directory's mailbox primitives into the
// signaling transport the session uses: publish one message, subscribe one
// inbox kind, consume what was processed. It carries no negotiation logic.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

// Relay is scoped to one room and one local identity.
type Relay struct {
	dir    directory.Client
	roomID string
	self   room.User
}

// New creates a relay for the given room and local user.
func New(dir directory.Client, roomID string, self room.User) *Relay {
	return &Relay{dir: dir, roomID: roomID, self: self}
}

// Publish writes one signaling message addressed to toUserID and refreshes
// the local presence record as a side effect. Presence is diagnostic; its
// failure never fails the publish.
func (r *Relay) Publish(ctx context.Context, toUserID string, kind signal.Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	msg := signal.Message{
		Kind:      kind,
		From:      r.self.ID,
		FromName:  r.self.Name,
		To:        toUserID,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	if err := r.dir.Publish(ctx, r.roomID, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", kind, toUserID, err)
	}
	util.Stats.AddSent()

	if err := r.dir.TouchPresence(ctx, r.roomID, signal.Presence{
		UserID:   r.self.ID,
		Online:   true,
		LastSeen: time.Now(),
	}); err != nil {
		util.LogDebug("relay: presence touch failed: %v", err)
	}
	return nil
}

// SubscribeInbox follows the local user's mailbox for one kind. Messages the
// local user sent to itself are skipped (they cannot occur in normal
// operation, but a replayed snapshot must not negotiate with ourselves).
func (r *Relay) SubscribeInbox(ctx context.Context, kind signal.Kind, fn func(msg signal.Message, h signal.Handle)) (directory.Unsubscribe, error) {
	return r.dir.WatchInbox(ctx, r.roomID, r.self.ID, kind, func(msg signal.Message, h signal.Handle) {
		if msg.From == r.self.ID {
			return
		}
		util.Stats.AddRecv()
		fn(msg, h)
	})
}

// Consume deletes one processed message. Every message acted upon must be
// consumed exactly once; the directory treats re-consumption as a no-op so
// a duplicate delete cannot fail the handler.
func (r *Relay) Consume(ctx context.Context, h signal.Handle) {
	if err := r.dir.Consume(ctx, h); err != nil {
		util.LogWarning("relay: consume %s/%s failed: %v", h.Kind, h.MessageID, err)
	}
}

// GoOffline clears the local presence record. Called on room exit.
func (r *Relay) GoOffline(ctx context.Context) {
	if err := r.dir.ClearPresence(ctx, r.roomID, r.self.ID); err != nil {
		util.LogDebug("relay: presence clear failed: %v", err)
	}
}
