package peer

import (
	"github.com/pion/webrtc/v4"
)

// Conn is the slice of peer-connection behavior the Manager needs. The real
// implementation wraps *webrtc.PeerConnection; tests substitute a fake so
// negotiation logic is exercised without an ICE agent.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	AddRecvTransceiver(kind webrtc.RTPCodecType) error

	HandleICECandidate(fn func(webrtc.ICECandidateInit))
	HandleTrack(fn func(RemoteTrack))
	HandleStateChange(fn func(webrtc.PeerConnectionState))

	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// DialFunc creates a fresh Conn bound to the session's fixed ICE config.
type DialFunc func() (Conn, error)

// PionDialer returns a DialFunc producing real pion connections.
func PionDialer(cfg webrtc.Configuration) DialFunc {
	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

// pionConn normalizes the pion callback surface into Conn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConn) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *pionConn) HandleICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks end of gathering; nothing to trickle.
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *pionConn) HandleTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) HandleStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
