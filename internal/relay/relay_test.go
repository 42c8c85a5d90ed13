package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

func setup(t *testing.T) (*directory.Memory, *room.Room) {
	t.Helper()
	m := directory.NewMemory()
	t.Cleanup(func() { m.Close() })
	r, err := m.CreateRoom(context.Background(), room.Config{Name: "t", MaxParticipants: 4}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := m.Join(context.Background(), r.ID, room.User{ID: "bob", Name: "Bob"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return m, r
}

func TestPublishAddressesAndStampsMessage(t *testing.T) {
	m, r := setup(t)
	host := New(m, r.ID, room.User{ID: "host", Name: "Host"})

	type offer struct {
		SDP string `json:"sdp"`
	}
	if err := host.Publish(context.Background(), "bob", signal.KindOffer, offer{SDP: "v=0"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan signal.Message, 1)
	unsub, err := m.WatchInbox(context.Background(), r.ID, "bob", signal.KindOffer, func(msg signal.Message, h signal.Handle) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("WatchInbox: %v", err)
	}
	defer unsub()

	select {
	case msg := <-got:
		if msg.From != "host" || msg.FromName != "Host" || msg.To != "bob" {
			t.Errorf("addressing = %s(%s) → %s", msg.From, msg.FromName, msg.To)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Errorf("message not stamped: id=%q ts=%v", msg.ID, msg.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	// Publishing refreshes the sender's presence.
	if p, ok := m.Presence(r.ID, "host"); !ok || !p.Online {
		t.Errorf("presence after publish = %+v, %v", p, ok)
	}
}

func TestSubscribeInboxSkipsOwnMessages(t *testing.T) {
	m, r := setup(t)
	bob := New(m, r.ID, room.User{ID: "bob", Name: "Bob"})

	// A message bob somehow sent to himself must not reach the handler.
	m.Publish(context.Background(), r.ID, signal.Message{
		Kind: signal.KindAnswer, From: "bob", To: "bob", Payload: []byte(`{}`),
	})
	m.Publish(context.Background(), r.ID, signal.Message{
		Kind: signal.KindAnswer, From: "host", To: "bob", Payload: []byte(`{}`),
	})

	var mu sync.Mutex
	var froms []string
	unsub, err := bob.SubscribeInbox(context.Background(), signal.KindAnswer, func(msg signal.Message, h signal.Handle) {
		mu.Lock()
		froms = append(froms, msg.From)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeInbox: %v", err)
	}
	defer unsub()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(froms)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(froms) != 1 || froms[0] != "host" {
		t.Errorf("delivered froms = %v, want [host]", froms)
	}
}

func TestConsumeDeletesOnceAndToleratesRepeats(t *testing.T) {
	m, r := setup(t)
	bob := New(m, r.ID, room.User{ID: "bob", Name: "Bob"})
	host := New(m, r.ID, room.User{ID: "host", Name: "Host"})

	if err := host.Publish(context.Background(), "bob", signal.KindCandidate, map[string]string{"candidate": "c"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	handles := make(chan signal.Handle, 1)
	unsub, err := bob.SubscribeInbox(context.Background(), signal.KindCandidate, func(msg signal.Message, h signal.Handle) {
		handles <- h
	})
	if err != nil {
		t.Fatalf("SubscribeInbox: %v", err)
	}
	defer unsub()

	var h signal.Handle
	select {
	case h = <-handles:
	case <-time.After(time.Second):
		t.Fatal("candidate never delivered")
	}

	bob.Consume(context.Background(), h)
	bob.Consume(context.Background(), h) // repeat is a no-op
	if n := m.PendingMessages(r.ID, "bob", signal.KindCandidate); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestGoOffline(t *testing.T) {
	m, r := setup(t)
	host := New(m, r.ID, room.User{ID: "host", Name: "Host"})

	host.Publish(context.Background(), "bob", signal.KindOffer, map[string]string{"sdp": "v=0"})
	if _, ok := m.Presence(r.ID, "host"); !ok {
		t.Fatal("presence not set by publish")
	}
	host.GoOffline(context.Background())
	if _, ok := m.Presence(r.ID, "host"); ok {
		t.Error("presence survived GoOffline")
	}
}
