package peer

import "github.com/pion/webrtc/v4"

// RemoteTrack is the read side of an inbound media track. Satisfied by
// *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Event is one typed notification fanned out of a connection's native
// callbacks. The session consumes these from Manager.Events; nothing else
// in the tree touches pion callbacks directly.
type Event interface {
	Remote() string
}

// TrackAdded fires when a remote media track arrives.
type TrackAdded struct {
	RemoteID string
	Track    RemoteTrack
}

// CandidateGenerated fires when the local ICE agent gathers a candidate
// that must be trickled to the remote peer.
type CandidateGenerated struct {
	RemoteID  string
	Candidate webrtc.ICECandidateInit
}

// StateChanged re-publishes the connection object's own state transition,
// verbatim, with no synthesized states.
type StateChanged struct {
	RemoteID string
	State    webrtc.PeerConnectionState
}

func (e TrackAdded) Remote() string         { return e.RemoteID }
func (e CandidateGenerated) Remote() string { return e.RemoteID }
func (e StateChanged) Remote() string       { return e.RemoteID }
