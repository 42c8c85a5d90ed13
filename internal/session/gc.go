package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/peer"
	"github.com/openhuddle/huddle/internal/util"
)

// collect sweeps the registry for connections in terminal or stuck states
// and evicts them: close the connection, drop the entry, together. Runs on
// the fixed GC interval from the event loop.
//
// Failed caller connections get to keep their entry until the one ICE
// restart has been attempted; disconnected entries get the same grace
// period to recover on their own.
func (s *Session) collect() {
	now := time.Now()
	for id, e := range s.reg.Snapshot() {
		held := now.Sub(e.Since)
		evict := false

		switch e.State {
		case webrtc.PeerConnectionStateClosed:
			evict = true
		case webrtc.PeerConnectionStateFailed:
			restartPending := e.Role == peer.RoleCaller && !s.mgr.Restarted(id)
			evict = held > s.cfg.RestartGrace && !restartPending
		case webrtc.PeerConnectionStateDisconnected:
			evict = held > s.cfg.RestartGrace
		}

		if !evict {
			continue
		}
		util.LogInfo("session: collecting %s connection to %s (held %s)", e.State, id, held.Round(time.Millisecond))
		s.timers.cancel("restart:" + id)
		s.mgr.Close(id)
		s.reg.Delete(id)
	}
}
