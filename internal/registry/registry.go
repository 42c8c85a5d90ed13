// Package registry holds the read-projection of a session's peer
// connections: state, remote tracks, and display metadata per remote user.
// It is what the UI renders from. The native connection objects stay with
// the peer manager; an entry here exists exactly as long as its connection.
package registry

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/room"
)

// Status summarizes a whole session for coarse UI display.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Entry is the rendered view of one remote peer. Entries are replaced
// whole on every change; readers never observe a half-updated entry.
type Entry struct {
	RemoteID string
	Role     peer.Role
	State    webrtc.PeerConnectionState
	Tracks   []peer.RemoteTrack
	Meta     room.User
	Since    time.Time // when State last changed
}

// Registry maps remote user id to Entry. All writes come from the session
// event loop; the lock exists for concurrent readers taking snapshots.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Put inserts or replaces the entry for e.RemoteID.
func (r *Registry) Put(e Entry) {
	if e.Since.IsZero() {
		e.Since = r.now()
	}
	r.mu.Lock()
	r.entries[e.RemoteID] = e
	r.mu.Unlock()
}

// SetState replaces the entry with one carrying the new state. Unknown ids
// are ignored; a state event can trail the entry's deletion.
func (r *Registry) SetState(remoteID string, state webrtc.PeerConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[remoteID]
	if !ok {
		return
	}
	if e.State == state {
		return
	}
	e.State = state
	e.Since = r.now()
	r.entries[remoteID] = e
}

// AddTrack replaces the entry with one including the new remote track.
func (r *Registry) AddTrack(remoteID string, track peer.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[remoteID]
	if !ok {
		return
	}
	tracks := make([]peer.RemoteTrack, 0, len(e.Tracks)+1)
	for _, t := range e.Tracks {
		if t.ID() == track.ID() {
			continue
		}
		tracks = append(tracks, t)
	}
	e.Tracks = append(tracks, track)
	r.entries[remoteID] = e
}

// Delete removes the entry for remoteID.
func (r *Registry) Delete(remoteID string) {
	r.mu.Lock()
	delete(r.entries, remoteID)
	r.mu.Unlock()
}

// Clear removes every entry. Session teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]Entry)
	r.mu.Unlock()
}

// Get returns the entry for remoteID.
func (r *Registry) Get(remoteID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[remoteID]
	return e, ok
}

// Snapshot returns a copy of all entries, keyed by remote id.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ActiveConnections counts entries currently in the connected state.
func (r *Registry) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.State == webrtc.PeerConnectionStateConnected {
			n++
		}
	}
	return n
}

// Summary collapses the per-peer states into one session status: connected
// if any peer is connected, error if peers exist but only in failure
// states, idle with no peers at all, connecting otherwise.
func (r *Registry) Summary() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return StatusIdle
	}
	anyFailed := false
	anyPending := false
	for _, e := range r.entries {
		switch e.State {
		case webrtc.PeerConnectionStateConnected:
			return StatusConnected
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			anyFailed = true
		default:
			anyPending = true
		}
	}
	if anyPending {
		return StatusConnecting
	}
	if anyFailed {
		return StatusError
	}
	return StatusConnecting
}
