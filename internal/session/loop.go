package session

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/registry"
	"github.com/openhuddle/huddle/internal/signal"
	"github.com/openhuddle/huddle/internal/util"
)

// loop is the session's single mutation path. Directory callbacks, peer
// connection events, timers, and the GC tick all funnel through here, so
// orchestration state needs no locks and registry writes never interleave.
func (s *Session) loop() {
	defer close(s.done)

	gc := time.NewTicker(s.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		case ev := <-s.mgr.Events():
			s.handlePeerEvent(ev)
		case <-gc.C:
			s.collect()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case roomEv:
		s.handleRoomUpdate(ev)
	case rosterEv:
		s.handleRoster(ev.parts)
	case inboundEv:
		s.handleInbound(ev)
	case initiateEv:
		s.initiate(ev.remoteID)
	case connectEv:
		s.roster[ev.remoteID] = roomUserAsParticipant(ev.meta)
		s.initiate(ev.remoteID)
	case restartEv:
		s.restart(ev.remoteID)
	}
}

func (s *Session) handleRoomUpdate(ev roomEv) {
	if ev.info == nil {
		util.LogWarning("session: room %s was deleted, leaving", s.roomID)
		go s.Close()
		return
	}
	if !ev.info.Active {
		util.LogInfo("session: room %s ended, leaving", s.roomID)
		go s.Close()
		return
	}
	s.hostID = ev.info.HostID
}

// handleInbound dispatches one mailbox message. Every message is consumed
// exactly once after processing — including ones that turn out to be
// unusable, so a stale redelivery can never reprocess them.
func (s *Session) handleInbound(ev inboundEv) {
	defer s.relay.Consume(s.ctx, ev.handle)

	switch ev.msg.Kind {
	case signal.KindOffer:
		s.onOffer(ev.msg)
	case signal.KindAnswer:
		s.onAnswer(ev.msg)
	case signal.KindCandidate:
		s.onCandidate(ev.msg)
	default:
		util.LogWarning("session: unknown signal kind %q from %s", ev.msg.Kind, ev.msg.From)
	}
}

// onOffer answers an inbound offer. A second offer from the same peer is a
// renegotiation request and goes through the same close-and-replace path a
// fresh offer does. An offer from a peer we have a pending local offer to
// is glare; the host-initiates rule makes that unreachable in steady state,
// so it is rejected rather than resolved.
func (s *Session) onOffer(msg signal.Message) {
	desc, err := msg.Description()
	if err != nil {
		util.LogWarning("session: bad offer payload from %s: %v", msg.From, err)
		return
	}

	if role, ok := s.mgr.Role(msg.From); ok && role == peer.RoleCaller {
		util.LogWarning("session: glare, offer from %s while a local offer is pending; rejected", msg.From)
		return
	}

	if err := s.mgr.CreateConnection(msg.From, peer.RoleCallee); err != nil {
		util.LogError("session: create callee connection to %s: %v", msg.From, err)
		return
	}
	s.reg.Put(registry.Entry{
		RemoteID: msg.From,
		Role:     peer.RoleCallee,
		State:    webrtc.PeerConnectionStateNew,
		Meta:     s.remoteMeta(msg.From, msg.FromName),
	})

	if err := s.mgr.MakeAnswer(s.ctx, msg.From, desc); err != nil {
		util.LogError("session: answer to %s failed: %v", msg.From, err)
		s.mgr.Close(msg.From)
		s.reg.Delete(msg.From)
	}
}

// onAnswer completes the caller side of a negotiation. An answer without a
// matching pending offer is a consistency violation worth a log line, not
// a crash.
func (s *Session) onAnswer(msg signal.Message) {
	desc, err := msg.Description()
	if err != nil {
		util.LogWarning("session: bad answer payload from %s: %v", msg.From, err)
		return
	}
	if err := s.mgr.ApplyRemoteAnswer(msg.From, desc); err != nil {
		util.LogWarning("session: apply answer from %s: %v", msg.From, err)
	}
}

// onCandidate trickles one remote candidate in. Candidates for unknown
// connections are dropped; the message is still consumed by handleInbound.
func (s *Session) onCandidate(msg signal.Message) {
	cand, err := msg.Candidate()
	if err != nil {
		util.LogWarning("session: bad candidate payload from %s: %v", msg.From, err)
		return
	}
	if err := s.mgr.ApplyRemoteCandidate(msg.From, cand); err != nil {
		if errors.Is(err, peer.ErrNoConnection) {
			util.LogDebug("session: dropped candidate from %s (no connection)", msg.From)
			return
		}
		util.LogWarning("session: apply candidate from %s: %v", msg.From, err)
	}
}

func (s *Session) handlePeerEvent(ev peer.Event) {
	switch ev := ev.(type) {
	case peer.TrackAdded:
		s.reg.AddTrack(ev.RemoteID, ev.Track)

	case peer.CandidateGenerated:
		if err := s.relay.Publish(s.ctx, ev.RemoteID, signal.KindCandidate, ev.Candidate); err != nil {
			util.LogWarning("session: trickle candidate to %s: %v", ev.RemoteID, err)
		}

	case peer.StateChanged:
		s.reg.SetState(ev.RemoteID, ev.State)
		if ev.State == webrtc.PeerConnectionStateFailed {
			s.onFailed(ev.RemoteID)
		}
	}
}

// onFailed schedules the single ICE-restart attempt. Only the caller can
// restart (a restart is a new offer); the callee side waits for the
// caller's restart offer or for garbage collection.
func (s *Session) onFailed(remoteID string) {
	role, ok := s.mgr.Role(remoteID)
	if !ok || role != peer.RoleCaller || s.mgr.Restarted(remoteID) {
		return
	}
	util.LogWarning("session: connection to %s failed, restart in %s", remoteID, s.cfg.RestartGrace)
	s.timers.set("restart:"+remoteID, s.cfg.RestartGrace, func() {
		s.post(restartEv{remoteID: remoteID})
	})
}

func (s *Session) restart(remoteID string) {
	state, ok := s.mgr.State(remoteID)
	if !ok {
		return
	}
	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateDisconnected {
		// Recovered on its own in the meantime.
		return
	}
	if err := s.mgr.RestartICE(s.ctx, remoteID); err != nil {
		util.LogWarning("session: ICE restart to %s failed: %v", remoteID, err)
	}
}
