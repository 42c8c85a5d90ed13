package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/registry"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/util"
)

// handleRoster reconciles connection state with a fresh participant
// snapshot. Initiation follows a star topology: the host offers to every
// non-host participant, non-hosts never offer to anyone. Exactly one
// initiator per pair, no glare by construction. Media still flows directly
// peer to peer; only initiation is host-centric.
func (s *Session) handleRoster(parts []room.Participant) {
	present := make(map[string]room.Participant, len(parts))
	for _, p := range parts {
		if p.UserID == s.self.ID {
			continue
		}
		present[p.UserID] = p
	}

	// Departures: close the connection, drop the entry, forget timers.
	// No automatic reconnection.
	for id := range s.roster {
		if _, ok := present[id]; ok {
			continue
		}
		util.LogInfo("session: participant %s left, closing connection", id)
		s.timers.cancel("init:" + id)
		s.timers.cancel("restart:" + id)
		s.mgr.Close(id)
		s.reg.Delete(id)
	}

	s.roster = present

	// Arrivals: the initiator schedules an offer after a short delay that
	// absorbs both sides' membership records appearing near-simultaneously.
	if s.self.ID != s.hostID {
		return
	}
	for id, p := range present {
		if p.IsHost || s.mgr.Has(id) || s.timers.has("init:"+id) {
			continue
		}
		remoteID := id
		util.LogDebug("session: scheduling offer to %s in %s", remoteID, s.cfg.InitiationDelay)
		s.timers.set("init:"+remoteID, s.cfg.InitiationDelay, func() {
			s.post(initiateEv{remoteID: remoteID})
		})
	}
}

// initiate creates a caller connection and sends the offer. Called from the
// loop when an initiation delay elapses or on a manual connect request.
func (s *Session) initiate(remoteID string) {
	if _, ok := s.roster[remoteID]; !ok {
		util.LogDebug("session: skip offer to %s, no longer in roster", remoteID)
		return
	}
	if s.mgr.Has(remoteID) {
		return
	}

	if err := s.mgr.CreateConnection(remoteID, peer.RoleCaller); err != nil {
		util.LogError("session: create caller connection to %s: %v", remoteID, err)
		return
	}
	p := s.roster[remoteID]
	s.reg.Put(registry.Entry{
		RemoteID: remoteID,
		Role:     peer.RoleCaller,
		State:    webrtc.PeerConnectionStateNew,
		Meta:     room.User{ID: p.UserID, Name: p.Name, AvatarURL: p.AvatarURL},
	})

	if err := s.mgr.MakeOffer(s.ctx, remoteID); err != nil {
		// Abandon; a fresh membership event re-triggers initiation.
		util.LogError("session: offer to %s failed: %v", remoteID, err)
		s.mgr.Close(remoteID)
		s.reg.Delete(remoteID)
	}
}

// remoteMeta resolves display metadata for a remote user, preferring the
// roster record over what the signaling message carried.
func (s *Session) remoteMeta(remoteID, fallbackName string) room.User {
	if p, ok := s.roster[remoteID]; ok {
		return room.User{ID: p.UserID, Name: p.Name, AvatarURL: p.AvatarURL}
	}
	return room.User{ID: remoteID, Name: fallbackName}
}

func roomUserAsParticipant(u room.User) room.Participant {
	return room.Participant{UserID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL, IsActive: true}
}
