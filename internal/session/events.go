package session

import (
	"sync"
	"time"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

// event is anything the loop reacts to. Every external stimulus — watch
// callbacks, inbound mailbox messages, timers — becomes one of these.
type event interface{ sessionEvent() }

// roomEv carries a room document update (nil when the room vanished).
type roomEv struct{ info *room.Room }

// rosterEv carries a fresh participant snapshot.
type rosterEv struct{ parts []room.Participant }

// inboundEv carries one signaling message plus its consumption handle.
type inboundEv struct {
	msg    signal.Message
	handle signal.Handle
}

// initiateEv fires when the initiation delay for a new peer elapsed.
type initiateEv struct{ remoteID string }

// connectEv is a manual connection request (ConnectToUser).
type connectEv struct {
	remoteID string
	meta     room.User
}

// restartEv fires when the ICE-restart grace period after a failure elapsed.
type restartEv struct{ remoteID string }

func (roomEv) sessionEvent()     {}
func (rosterEv) sessionEvent()   {}
func (inboundEv) sessionEvent()  {}
func (initiateEv) sessionEvent() {}
func (connectEv) sessionEvent()  {}
func (restartEv) sessionEvent()  {}

// timerSet tracks the per-remote delay timers (initiation, ICE restart) so
// teardown and roster removals can cancel them. The loop and Close both
// touch it, hence the lock.
type timerSet struct {
	mu sync.Mutex
	m  map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{m: make(map[string]*time.Timer)}
}

// set schedules fn after d under the given key, replacing any timer already
// scheduled for it.
func (t *timerSet) set(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[key]; ok {
		old.Stop()
	}
	t.m[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.m, key)
		t.mu.Unlock()
		fn()
	})
}

func (t *timerSet) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[key]
	return ok
}

func (t *timerSet) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.m[key]; ok {
		timer.Stop()
		delete(t.m, key)
	}
}

func (t *timerSet) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.m {
		timer.Stop()
		delete(t.m, key)
	}
}
