// Package peer owns the native peer connections of a session: one per
// remote participant, created against a fixed ICE configuration, driven
// through offer/answer/candidate exchange, and reported as a stream of
// typed events.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/media"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

// Role is the negotiation role of one connection.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	ErrNoConnection     = errors.New("no connection for remote id")
	ErrWrongRole        = errors.New("operation not allowed for this role")
	ErrAlreadyRestarted = errors.New("ICE restart already attempted")
)

// Publisher is the outbound half of the signaling relay the manager
// publishes descriptions and candidates through.
type Publisher interface {
	Publish(ctx context.Context, toUserID string, kind signal.Kind, payload any) error
}

const eventBufferSize = 256

// link is one remote participant's connection entry. The Manager owns the
// Conn exclusively; consumers only ever see events and read-projections.
type link struct {
	remoteID string
	role     Role
	conn     Conn

	mu        sync.Mutex
	answered  bool
	restarted bool
}

// Manager drives every peer connection of one session.
type Manager struct {
	dial   DialFunc
	source media.Source
	pub    Publisher

	mu    sync.Mutex
	links map[string]*link

	events chan Event
}

// NewManager creates a manager. dial builds connections against the
// session's fixed ICE configuration; source provides the local tracks
// snapshot attached at every connection creation.
func NewManager(dial DialFunc, source media.Source, pub Publisher) *Manager {
	return &Manager{
		dial:   dial,
		source: source,
		pub:    pub,
		links:  make(map[string]*link),
		events: make(chan Event, eventBufferSize),
	}
}

// Events is the manager's outbound notification stream. The session drains
// it from its event loop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		util.LogWarning("peer: event buffer full, dropping %T for %s", ev, ev.Remote())
	}
}

// CreateConnection instantiates a connection for remoteID. An existing
// connection for the same remote is closed and replaced; re-creation is not
// an error. All currently held local tracks are attached, and receive-only
// transceivers are added for any media kind not covered by a local track so
// offers always request audio and video.
func (m *Manager) CreateConnection(remoteID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.links[remoteID]; ok {
		util.LogDebug("peer: replacing existing connection to %s", remoteID)
		if err := old.conn.Close(); err != nil {
			util.LogDebug("peer: close of replaced connection: %v", err)
		}
		delete(m.links, remoteID)
		util.Stats.RemoveConn()
	}

	conn, err := m.dial()
	if err != nil {
		return fmt.Errorf("create connection to %s: %w", remoteID, err)
	}

	var haveAudio, haveVideo bool
	if m.source != nil {
		for _, track := range m.source.Snapshot() {
			if err := conn.AddTrack(track); err != nil {
				conn.Close()
				return fmt.Errorf("attach local %s track: %w", track.Kind(), err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
		}
	}
	if !haveAudio {
		if err := conn.AddRecvTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
			conn.Close()
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if !haveVideo {
		if err := conn.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
			conn.Close()
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}

	l := &link{
		remoteID: remoteID,
		role:     role,
		conn:     conn,
	}

	// Native callbacks fan out into the typed event stream. These fire on
	// the connection's own goroutines and must not touch the manager lock.
	conn.HandleICECandidate(func(c webrtc.ICECandidateInit) {
		m.emit(CandidateGenerated{RemoteID: remoteID, Candidate: c})
	})
	conn.HandleTrack(func(t RemoteTrack) {
		m.emit(TrackAdded{RemoteID: remoteID, Track: t})
	})
	conn.HandleStateChange(func(s webrtc.PeerConnectionState) {
		m.emit(StateChanged{RemoteID: remoteID, State: s})
	})

	m.links[remoteID] = l
	util.Stats.AddConn()
	return nil
}

// MakeOffer creates a local offer, commits it, and publishes it to the
// remote peer. Caller role only.
func (m *Manager) MakeOffer(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	if l.role != RoleCaller {
		return fmt.Errorf("make offer to %s: %w", remoteID, ErrWrongRole)
	}
	return m.offer(ctx, l, false)
}

// RestartICE issues the single permitted ICE-restart offer after a
// connection failure. A second restart attempt returns ErrAlreadyRestarted
// and the connection is left for garbage collection.
func (m *Manager) RestartICE(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	if l.role != RoleCaller {
		return fmt.Errorf("restart ICE to %s: %w", remoteID, ErrWrongRole)
	}

	l.mu.Lock()
	if l.restarted {
		l.mu.Unlock()
		return ErrAlreadyRestarted
	}
	l.restarted = true
	l.mu.Unlock()

	util.LogInfo("peer: attempting ICE restart with %s", remoteID)
	return m.offer(ctx, l, true)
}

func (m *Manager) offer(ctx context.Context, l *link, iceRestart bool) error {
	offer, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", l.remoteID, err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", l.remoteID, err)
	}
	if err := m.pub.Publish(ctx, l.remoteID, signal.KindOffer, signal.FromSessionDescription(offer)); err != nil {
		return err
	}
	return nil
}

// MakeAnswer applies the remote offer, creates and commits the matching
// answer, and publishes it. Callee role only.
func (m *Manager) MakeAnswer(ctx context.Context, remoteID string, remoteOffer signal.Description) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	if l.role != RoleCallee {
		return fmt.Errorf("make answer to %s: %w", remoteID, ErrWrongRole)
	}

	if err := l.conn.SetRemoteDescription(remoteOffer.SessionDescription()); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", remoteID, err)
	}
	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", remoteID, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", remoteID, err)
	}
	if err := m.pub.Publish(ctx, remoteID, signal.KindAnswer, signal.FromSessionDescription(answer)); err != nil {
		return err
	}

	l.mu.Lock()
	l.answered = true
	l.mu.Unlock()
	return nil
}

// ApplyRemoteAnswer sets the remote description on a connection whose local
// description is an offer. A replayed answer identical to the current
// remote description is skipped with a log line instead of an error.
func (m *Manager) ApplyRemoteAnswer(remoteID string, answer signal.Description) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	if l.role != RoleCaller {
		return fmt.Errorf("apply answer from %s: %w", remoteID, ErrWrongRole)
	}

	if cur := l.conn.RemoteDescription(); cur != nil && cur.SDP == answer.SDP {
		util.LogWarning("peer: duplicate answer from %s ignored", remoteID)
		return nil
	}
	if err := l.conn.SetRemoteDescription(answer.SessionDescription()); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", remoteID, err)
	}
	return nil
}

// ApplyRemoteCandidate adds a trickled candidate to an existing connection.
// Without a connection the candidate is dropped: it can only arrive after
// an offer/answer round created one, so no buffering exists here.
func (m *Manager) ApplyRemoteCandidate(remoteID string, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}
	if err := l.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", remoteID, err)
	}
	return nil
}

// Close discards the connection for remoteID. Idempotent.
func (m *Manager) Close(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	if ok {
		delete(m.links, remoteID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := l.conn.Close(); err != nil {
		util.LogDebug("peer: close %s: %v", remoteID, err)
	}
	util.Stats.RemoveConn()
}

// CloseAll tears down every connection. Part of session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, l := range links {
		if err := l.conn.Close(); err != nil {
			util.LogDebug("peer: close %s: %v", l.remoteID, err)
		}
		util.Stats.RemoveConn()
	}
}

// Has reports whether a connection exists for remoteID.
func (m *Manager) Has(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[remoteID]
	return ok
}

// Role returns the negotiation role of the connection for remoteID.
func (m *Manager) Role(remoteID string) (Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteID]
	if !ok {
		return "", false
	}
	return l.role, true
}

// State reads the current connection state for remoteID straight from the
// underlying connection.
func (m *Manager) State(remoteID string) (webrtc.PeerConnectionState, bool) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return webrtc.PeerConnectionStateClosed, false
	}
	return l.conn.ConnectionState(), true
}

// Restarted reports whether the single ICE-restart attempt was already
// spent on the connection for remoteID.
func (m *Manager) Restarted(remoteID string) bool {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarted
}
