// Package room defines the room and participant domain model shared by the
// directory service and the session orchestrator.
package room

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a room.
type Status string

const (
	StatusWaiting Status = "waiting" // created, host alone
	StatusActive  Status = "active"  // at least two participants
	StatusEnded   Status = "ended"   // closed by the host
)

// Capacity bounds enforced on creation.
const (
	MinParticipants = 2
	MaxParticipants = 10
)

// Sentinel errors surfaced by directory implementations. Capacity and
// duplicate-join conditions get distinct values so callers can react
// (the UI shows "room full", a duplicate join is silently accepted).
var (
	ErrNotFound      = errors.New("room not found")
	ErrEnded         = errors.New("room is no longer active")
	ErrFull          = errors.New("room is full")
	ErrAlreadyJoined = errors.New("user already joined")
	ErrCodeCollision = errors.New("could not generate a unique room code")
)

// Room is a bounded group session with a capacity and exactly one host.
type Room struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Code                string    `json:"roomCode"` // 6 digits, unique among active rooms
	HostID              string    `json:"hostId"`
	HostName            string    `json:"hostName"`
	MaxParticipants     int       `json:"maxParticipants"`
	CurrentParticipants int       `json:"currentParticipants"`
	Status              Status    `json:"status"`
	Active              bool      `json:"isActive"`
	CreatedAt           time.Time `json:"createdAt"`
	LastActivity        time.Time `json:"lastActivity"`
}

// Participant is one user's membership record within a room, keyed by user id.
type Participant struct {
	UserID    string    `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"photoURL,omitempty"`
	IsHost    bool      `json:"isHost"`
	IsActive  bool      `json:"isActive"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// User identifies a directory caller. Authentication happens elsewhere;
// the directory trusts the supplied identity.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"photoURL,omitempty"`
}

// Config carries the caller-chosen settings for a new room.
type Config struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
}

// ClampCapacity forces a requested capacity into the allowed 2..10 range.
func ClampCapacity(n int) int {
	if n < MinParticipants {
		return MinParticipants
	}
	if n > MaxParticipants {
		return MaxParticipants
	}
	return n
}

// Joinable reports whether r can accept a new participant, mapping the
// failure to the matching sentinel error.
func (r *Room) Joinable() error {
	if !r.Active || r.Status == StatusEnded {
		return ErrEnded
	}
	if r.CurrentParticipants >= r.MaxParticipants {
		return ErrFull
	}
	return nil
}
