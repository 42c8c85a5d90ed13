package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/registry"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

// Timing compressed so full negotiations run in milliseconds.
func testConfig() config.Client {
	return config.Client{
		InitiationDelay: 10 * time.Millisecond,
		RestartGrace:    40 * time.Millisecond,
		GCInterval:      20 * time.Millisecond,
	}
}

// fakeConn stands in for a native peer connection. Tests drive state and
// candidate callbacks by hand to simulate the ICE agent.
type fakeConn struct {
	mu           sync.Mutex
	offers       int
	answers      int
	remoteDesc   *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	restartAsked bool
	closed       bool
	state        webrtc.PeerConnectionState

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if iceRestart {
		f.restartAsked = true
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &sd
	return nil
}

func (f *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) AddTrack(webrtc.TrackLocal) error             { return nil }
func (f *fakeConn) AddRecvTransceiver(webrtc.RTPCodecType) error { return nil }

func (f *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) HandleICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeConn) HandleTrack(func(peer.RemoteTrack)) {}

func (f *fakeConn) HandleStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.state = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeConn) fireCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeConn) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) restarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartAsked
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial() (peer.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{state: webrtc.PeerConnectionStateNew}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testRoom sets up a store with one created room.
func testRoom(t *testing.T, hostUser room.User) (*directory.Memory, *room.Room) {
	t.Helper()
	m := directory.NewMemory()
	t.Cleanup(func() { m.Close() })
	r, err := m.CreateRoom(context.Background(), room.Config{Name: "t", MaxParticipants: 4}, hostUser)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return m, r
}

func joinAs(t *testing.T, m *directory.Memory, roomID string, u room.User, d *fakeDialer) *Session {
	t.Helper()
	s, err := Join(context.Background(), m, testConfig(), u, roomID, Options{Dialer: d.dial})
	if err != nil {
		t.Fatalf("Join as %s: %v", u.Name, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Host and guest negotiate through the store until both ends report a
// connected peer.
func TestTwoUserNegotiation(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	guestUser := room.User{ID: "guest", Name: "Guest"}
	m, r := testRoom(t, hostUser)

	hostDial, guestDial := &fakeDialer{}, &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	guest := joinAs(t, m, r.ID, guestUser, guestDial)

	// The host sees the guest arrive and offers; the guest answers; the
	// answer lands back on the host's connection.
	waitFor(t, "host offer connection", func() bool { return hostDial.count() == 1 })
	waitFor(t, "guest answer connection", func() bool { return guestDial.count() == 1 })

	hostConn, guestConn := hostDial.conn(0), guestDial.conn(0)
	waitFor(t, "guest received the offer", func() bool {
		d := guestConn.RemoteDescription()
		return d != nil && d.Type == webrtc.SDPTypeOffer
	})
	waitFor(t, "host received the answer", func() bool {
		d := hostConn.RemoteDescription()
		return d != nil && d.Type == webrtc.SDPTypeAnswer
	})

	// Roles are fixed by the star topology.
	if e, ok := host.Peers()["guest"]; !ok || e.Role != peer.RoleCaller {
		t.Errorf("host registry entry = %+v, %v", e, ok)
	}
	if e, ok := guest.Peers()["host"]; !ok || e.Role != peer.RoleCallee {
		t.Errorf("guest registry entry = %+v, %v", e, ok)
	}

	// Trickle a candidate each way.
	hostConn.fireCandidate(webrtc.ICECandidateInit{Candidate: "candidate:host-1"})
	guestConn.fireCandidate(webrtc.ICECandidateInit{Candidate: "candidate:guest-1"})
	waitFor(t, "host candidate applied at guest", func() bool { return guestConn.candidateCount() == 1 })
	waitFor(t, "guest candidate applied at host", func() bool { return hostConn.candidateCount() == 1 })

	// ICE completes on both sides.
	hostConn.fireState(webrtc.PeerConnectionStateConnected)
	guestConn.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "both sessions connected", func() bool {
		return host.Status() == registry.StatusConnected && guest.Status() == registry.StatusConnected
	})
	if host.ActiveConnections() != 1 || guest.ActiveConnections() != 1 {
		t.Errorf("active = %d/%d, want 1/1", host.ActiveConnections(), guest.ActiveConnections())
	}

	// All processed signaling was consumed.
	waitFor(t, "mailboxes drained", func() bool {
		for _, kind := range signal.Kinds {
			if m.PendingMessages(r.ID, "host", kind) != 0 || m.PendingMessages(r.ID, "guest", kind) != 0 {
				return false
			}
		}
		return true
	})
}

// A third participant joining an active room is offered to by the host
// only; the two non-hosts do not connect to each other automatically.
func TestLateJoinerStarTopology(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial, guestDial, lateDial := &fakeDialer{}, &fakeDialer{}, &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	joinAs(t, m, r.ID, room.User{ID: "guest", Name: "Guest"}, guestDial)
	waitFor(t, "first pair negotiating", func() bool { return hostDial.count() == 1 })

	late := joinAs(t, m, r.ID, room.User{ID: "late", Name: "Late"}, lateDial)

	waitFor(t, "host offers to the late joiner", func() bool { return hostDial.count() == 2 })
	waitFor(t, "late joiner answers", func() bool { return lateDial.count() == 1 })

	time.Sleep(50 * time.Millisecond)
	if guestDial.count() != 1 {
		t.Errorf("guest created %d connections, want 1 (to the host only)", guestDial.count())
	}
	if _, ok := late.Peers()["guest"]; ok {
		t.Error("late joiner tracked the guest without a negotiation")
	}
	if len(host.Peers()) != 2 {
		t.Errorf("host tracks %d peers, want 2", len(host.Peers()))
	}
}

// A departing participant's connection is closed and evicted at the peer,
// with no automatic reconnection.
func TestPeerDepartureClosesConnection(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial, guestDial := &fakeDialer{}, &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	guest := joinAs(t, m, r.ID, room.User{ID: "guest", Name: "Guest"}, guestDial)

	waitFor(t, "negotiation started", func() bool { return hostDial.count() == 1 && guestDial.count() == 1 })
	hostConn := hostDial.conn(0)
	hostConn.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "host connected", func() bool { return host.ActiveConnections() == 1 })

	guest.Close()

	waitFor(t, "host closed the connection", func() bool { return hostConn.isClosed() })
	waitFor(t, "registry entry evicted", func() bool {
		_, ok := host.Peers()["guest"]
		return !ok
	})

	time.Sleep(50 * time.Millisecond)
	if hostDial.count() != 1 {
		t.Errorf("host re-dialed a departed peer: %d connections", hostDial.count())
	}
}

// A failed caller connection gets exactly one ICE restart after the grace
// period, and is garbage collected when the restart does not help.
func TestFailureRestartThenCollect(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial, guestDial := &fakeDialer{}, &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	joinAs(t, m, r.ID, room.User{ID: "guest", Name: "Guest"}, guestDial)

	waitFor(t, "negotiation started", func() bool { return hostDial.count() == 1 })
	hostConn := hostDial.conn(0)

	hostConn.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected", func() bool { return host.ActiveConnections() == 1 })

	hostConn.fireState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "restart offer sent", func() bool { return hostConn.restarted() })

	// The restart does not recover the connection; the collector evicts it
	// once the grace period after the failure has passed.
	waitFor(t, "failed connection collected", func() bool {
		_, ok := host.Peers()["guest"]
		return !ok && hostConn.isClosed()
	})
}

// Ending the room shuts every session down.
func TestRoomEndClosesSessions(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial, guestDial := &fakeDialer{}, &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	guest := joinAs(t, m, r.ID, room.User{ID: "guest", Name: "Guest"}, guestDial)

	waitFor(t, "negotiation started", func() bool { return hostDial.count() == 1 })

	if err := m.End(context.Background(), r.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case <-host.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("host session did not shut down")
	}
	select {
	case <-guest.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("guest session did not shut down")
	}
}

// A candidate arriving for a peer without a connection is consumed and
// dropped instead of buffered.
func TestStrayCandidateConsumed(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial := &fakeDialer{}
	joinAs(t, m, r.ID, hostUser, hostDial)

	payload := []byte(`{"candidate":"candidate:stray"}`)
	if err := m.Publish(context.Background(), r.ID, signal.Message{
		Kind: signal.KindCandidate, From: "stranger", To: "host", Payload: payload,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "stray candidate consumed", func() bool {
		return m.PendingMessages(r.ID, "host", signal.KindCandidate) == 0
	})
	if hostDial.count() != 0 {
		t.Errorf("stray candidate created %d connections", hostDial.count())
	}
}

// An offer that collides with a pending local offer is rejected and
// consumed; the local caller connection survives.
func TestGlareOfferRejected(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	hostDial := &fakeDialer{}
	host := joinAs(t, m, r.ID, hostUser, hostDial)
	if err := m.Join(context.Background(), r.ID, room.User{ID: "guest", Name: "Guest"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// The host offers to the silent guest.
	waitFor(t, "host offer pending", func() bool { return hostDial.count() == 1 })
	waitFor(t, "caller entry", func() bool {
		e, ok := host.Peers()["guest"]
		return ok && e.Role == peer.RoleCaller
	})

	// A conflicting offer arrives from the guest.
	payload := []byte(`{"sdp":"v=0 glare","type":"offer"}`)
	m.Publish(context.Background(), r.ID, signal.Message{
		Kind: signal.KindOffer, From: "guest", To: "host", Payload: payload,
	})

	waitFor(t, "glare offer consumed", func() bool {
		return m.PendingMessages(r.ID, "host", signal.KindOffer) == 0
	})
	if e, _ := host.Peers()["guest"]; e.Role != peer.RoleCaller {
		t.Errorf("role after glare = %s, want the pending caller kept", e.Role)
	}
	if hostDial.count() != 1 {
		t.Errorf("glare replaced the connection: %d dials", hostDial.count())
	}
	time.Sleep(30 * time.Millisecond)
	if n := m.PendingMessages(r.ID, "guest", signal.KindAnswer); n != 0 {
		t.Errorf("host answered a glare offer: %d answers pending", n)
	}
}

// Joining a full room fails with the capacity error before any session
// machinery starts.
func TestJoinFullRoom(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m := directory.NewMemory()
	t.Cleanup(func() { m.Close() })
	r, err := m.CreateRoom(context.Background(), room.Config{Name: "t", MaxParticipants: 2}, hostUser)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := m.Join(context.Background(), r.ID, room.User{ID: "guest", Name: "Guest"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	_, err = Join(context.Background(), m, testConfig(), room.User{ID: "late", Name: "Late"}, r.ID, Options{Dialer: (&fakeDialer{}).dial})
	if !errors.Is(err, room.ErrFull) {
		t.Errorf("join full room = %v, want ErrFull", err)
	}
}

// Re-joining as an existing participant does not double-count and the
// session comes up normally.
func TestRejoinIsIdempotent(t *testing.T) {
	hostUser := room.User{ID: "host", Name: "Host"}
	m, r := testRoom(t, hostUser)

	s := joinAs(t, m, r.ID, hostUser, &fakeDialer{})
	defer s.Close()

	got, _ := m.Room(context.Background(), r.ID)
	if got.CurrentParticipants != 1 {
		t.Errorf("participants = %d after host rejoin, want 1", got.CurrentParticipants)
	}
}
