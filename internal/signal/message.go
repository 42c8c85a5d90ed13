// Package signal defines the signaling message types exchanged through the
// directory's per-user mailboxes.
package signal

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the mailbox a message lands in.
type Kind string

const (
	KindOffer     Kind = "offers"
	KindAnswer    Kind = "answers"
	KindCandidate Kind = "candidates"
)

// Kinds lists every mailbox kind a session subscribes to.
var Kinds = []Kind{KindOffer, KindAnswer, KindCandidate}

// Description is the wire form of a session description:
// {"sdp": "...", "type": "offer"|"answer"}.
type Description struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// SessionDescription converts the wire form into the pion type.
func (d Description) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// FromSessionDescription converts a pion description into the wire form.
func FromSessionDescription(sd webrtc.SessionDescription) Description {
	return Description{SDP: sd.SDP, Type: sd.Type.String()}
}

// Message is one signaling document: an offer, answer, or ICE candidate
// addressed from one user to another.
type Message struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	From      string          `json:"from"`
	FromName  string          `json:"fromName,omitempty"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Description decodes the payload of an offer or answer message.
func (m *Message) Description() (Description, error) {
	var d Description
	err := json.Unmarshal(m.Payload, &d)
	return d, err
}

// Candidate decodes the payload of a candidate message.
func (m *Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	err := json.Unmarshal(m.Payload, &c)
	return c, err
}

// Handle addresses one stored mailbox message for consumption. Consuming a
// handle deletes the message; a handle can be consumed at most once.
type Handle struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"` // recipient whose mailbox holds the message
	Kind      Kind   `json:"kind"`
	MessageID string `json:"messageId"`
}

// Presence is the diagnostic per-user presence record updated alongside
// every publish. It carries no protocol meaning.
type Presence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}
