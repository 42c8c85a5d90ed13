// Package session orchestrates one user's presence in one room: membership
// watching, connection initiation, inbound signaling, the connection
// registry, and garbage collection of stale connections.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/media"
	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/registry"
	"github.com/openhuddle/huddle/internal/relay"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

const eventBufferSize = 128

// Options configures a session beyond the client config.
type Options struct {
	// Media provides the local tracks snapshot. May be nil (receive-only).
	Media media.Source
	// TURN relays appended to the fixed STUN configuration.
	TURN []config.TURNServer
	// Dialer overrides connection creation. Tests use this; when nil, real
	// pion connections are created against the static ICE configuration.
	Dialer peer.DialFunc
}

// Session is one joined room. All orchestration state is owned by a single
// event-loop goroutine; external callbacks and timers only post events.
type Session struct {
	cfg    config.Client
	self   room.User
	roomID string

	dir   directory.Client
	relay *relay.Relay
	mgr   *peer.Manager
	reg   *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	unsubs []directory.Unsubscribe
	timers *timerSet

	// Event-loop-owned state. Never touched outside the loop.
	hostID string
	roster map[string]room.Participant

	closeOnce sync.Once
}

// Join makes self a participant of roomID and starts the session. The join
// is optimistic-then-authoritative: a quick capacity pre-check, the atomic
// join on the directory, and — if that errors — a membership re-check that
// suppresses the error when the join in fact went through.
func Join(ctx context.Context, dir directory.Client, cfg config.Client, self room.User, roomID string, opts Options) (*Session, error) {
	cfg = cfg.WithDefaults()

	info, err := dir.Room(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	parts, err := dir.Participants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load participants of %s: %w", roomID, err)
	}

	if !hasParticipant(parts, self.ID) {
		// Optimistic pre-check so an obviously full room fails fast; the
		// directory re-checks authoritatively inside the join.
		if err := info.Joinable(); err != nil {
			return nil, err
		}
		if err := dir.Join(ctx, roomID, self); err != nil {
			// The client's view may have been stale: if we are in fact a
			// participant now, the join succeeded and the error is noise.
			fresh, ferr := dir.Participants(ctx, roomID)
			if ferr != nil || !hasParticipant(fresh, self.ID) {
				return nil, err
			}
			util.LogDebug("session: join race resolved, already a participant of %s", roomID)
		}
	}

	dial := opts.Dialer
	if dial == nil {
		dial = peer.PionDialer(config.ICEConfiguration(opts.TURN))
	}

	sCtx, sCancel := context.WithCancel(context.Background())
	rly := relay.New(dir, roomID, self)
	s := &Session{
		cfg:    cfg,
		self:   self,
		roomID: roomID,
		dir:    dir,
		relay:  rly,
		mgr:    peer.NewManager(dial, opts.Media, rly),
		reg:    registry.New(),
		ctx:    sCtx,
		cancel: sCancel,
		events: make(chan event, eventBufferSize),
		done:   make(chan struct{}),
		timers: newTimerSet(),
		hostID: info.HostID,
		roster: make(map[string]room.Participant),
	}

	if err := s.subscribe(ctx); err != nil {
		s.cancel()
		s.dropSubscriptions()
		return nil, err
	}

	go s.loop()
	util.LogInfo("session: joined room %s (%s) as %s", info.Code, info.Name, self.Name)
	return s, nil
}

func (s *Session) subscribe(ctx context.Context) error {
	u, err := s.dir.WatchRoom(ctx, s.roomID, func(r *room.Room) {
		s.post(roomEv{info: r})
	})
	if err != nil {
		return fmt.Errorf("watch room: %w", err)
	}
	s.unsubs = append(s.unsubs, u)

	u, err = s.dir.WatchParticipants(ctx, s.roomID, func(parts []room.Participant) {
		s.post(rosterEv{parts: parts})
	})
	if err != nil {
		return fmt.Errorf("watch participants: %w", err)
	}
	s.unsubs = append(s.unsubs, u)

	for _, kind := range signal.Kinds {
		u, err = s.relay.SubscribeInbox(ctx, kind, func(msg signal.Message, h signal.Handle) {
			s.post(inboundEv{msg: msg, handle: h})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s inbox: %w", kind, err)
		}
		s.unsubs = append(s.unsubs, u)
	}
	return nil
}

func (s *Session) dropSubscriptions() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

// post delivers an event to the loop, dropping it once the session is done.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close leaves the room and tears the session down: connections closed,
// subscriptions cancelled, GC stopped, presence cleared. In-flight
// negotiations are not interrupted; their results land in a registry nobody
// reads anymore. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.timers.cancelAll()
		s.dropSubscriptions()
		s.mgr.CloseAll()
		s.reg.Clear()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.relay.GoOffline(ctx)
		if err := s.dir.Leave(ctx, s.roomID, s.self.ID); err != nil {
			util.LogWarning("session: leave room %s: %v", s.roomID, err)
		}
		util.LogInfo("session: left room %s", s.roomID)
	})
	return nil
}

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RoomID returns the joined room id.
func (s *Session) RoomID() string {
	return s.roomID
}

// Peers returns the current registry snapshot for rendering.
func (s *Session) Peers() map[string]registry.Entry {
	return s.reg.Snapshot()
}

// Status returns the coarse session status.
func (s *Session) Status() registry.Status {
	return s.reg.Summary()
}

// ActiveConnections counts currently connected peers.
func (s *Session) ActiveConnections() int {
	return s.reg.ActiveConnections()
}

// ConnectToUser initiates a connection to remoteID immediately, outside the
// membership-driven flow. Manual and debug use.
func (s *Session) ConnectToUser(remoteID string, meta room.User) {
	s.post(connectEv{remoteID: remoteID, meta: meta})
}

func hasParticipant(parts []room.Participant, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
