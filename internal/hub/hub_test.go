package hub

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/signal"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h, err := New(config.Server{DB: filepath.Join(t.TempDir(), "hub.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialHub(t *testing.T, url string) *directory.WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := directory.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoomLifecycleOverWire(t *testing.T) {
	_, url := startHub(t)
	c := dialHub(t, url)
	ctx := context.Background()

	r, err := c.CreateRoom(ctx, room.Config{Name: "standup", MaxParticipants: 3}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if r.Code == "" || r.HostID != "host" {
		t.Errorf("room = %+v", r)
	}

	byCode, err := c.RoomByCode(ctx, r.Code)
	if err != nil || byCode.ID != r.ID {
		t.Errorf("RoomByCode = %+v, %v", byCode, err)
	}

	rooms, err := c.ActiveRooms(ctx)
	if err != nil || len(rooms) != 1 {
		t.Errorf("ActiveRooms = %v, %v", rooms, err)
	}

	// Sentinel errors survive the wire.
	if _, err := c.Room(ctx, "nope"); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("Room(nope) = %v, want ErrNotFound", err)
	}

	if err := c.End(ctx, r.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := c.RoomByCode(ctx, r.Code); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("code alive after end: %v", err)
	}
}

func TestJoinAndWatchOverWire(t *testing.T) {
	_, url := startHub(t)
	hostClient := dialHub(t, url)
	guestClient := dialHub(t, url)
	ctx := context.Background()

	r, err := hostClient.CreateRoom(ctx, room.Config{Name: "t", MaxParticipants: 4}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	var mu sync.Mutex
	var counts []int
	unsub, err := hostClient.WatchParticipants(ctx, r.ID, func(parts []room.Participant) {
		mu.Lock()
		counts = append(counts, len(parts))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("WatchParticipants: %v", err)
	}
	defer unsub()

	if err := guestClient.Join(ctx, r.ID, room.User{ID: "guest", Name: "Guest"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	waitFor(t, "participant events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) >= 2 && counts[len(counts)-1] == 2
	})

	got, _ := hostClient.Room(ctx, r.ID)
	if got.CurrentParticipants != 2 || got.Status != room.StatusActive {
		t.Errorf("room after join = %+v", got)
	}

	// Full room rejects the next joiner with the right sentinel.
	thirdClient := dialHub(t, url)
	if err := thirdClient.Join(ctx, r.ID, room.User{ID: "u3", Name: "U3"}); err != nil {
		t.Fatalf("third join: %v", err)
	}
	fourthClient := dialHub(t, url)
	if err := fourthClient.Join(ctx, r.ID, room.User{ID: "u4", Name: "U4"}); err != nil {
		t.Fatalf("fourth join: %v", err)
	}
	fifth := dialHub(t, url)
	if err := fifth.Join(ctx, r.ID, room.User{ID: "u5", Name: "U5"}); !errors.Is(err, room.ErrFull) {
		t.Errorf("join into full room = %v, want ErrFull", err)
	}
}

func TestSignalingOverWire(t *testing.T) {
	h, url := startHub(t)
	hostClient := dialHub(t, url)
	guestClient := dialHub(t, url)
	ctx := context.Background()

	r, err := hostClient.CreateRoom(ctx, room.Config{Name: "t", MaxParticipants: 4}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := guestClient.Join(ctx, r.ID, room.User{ID: "guest", Name: "Guest"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	inbox := make(chan signal.Message, 4)
	handles := make(chan signal.Handle, 4)
	unsub, err := guestClient.WatchInbox(ctx, r.ID, "guest", signal.KindOffer, func(msg signal.Message, hd signal.Handle) {
		inbox <- msg
		handles <- hd
	})
	if err != nil {
		t.Fatalf("WatchInbox: %v", err)
	}
	defer unsub()

	err = hostClient.Publish(ctx, r.ID, signal.Message{
		Kind: signal.KindOffer, From: "host", To: "guest",
		Payload: []byte(`{"sdp":"v=0","type":"offer"}`),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var msg signal.Message
	select {
	case msg = <-inbox:
	case <-time.After(3 * time.Second):
		t.Fatal("offer never arrived")
	}
	if msg.From != "host" || msg.ID == "" {
		t.Errorf("message = %+v", msg)
	}

	hd := <-handles
	if err := guestClient.Consume(ctx, hd); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	waitFor(t, "mailbox drained", func() bool {
		return h.Store().PendingMessages(r.ID, "guest", signal.KindOffer) == 0
	})
}

func TestDisconnectAutoLeaves(t *testing.T) {
	h, url := startHub(t)
	hostClient := dialHub(t, url)
	guestClient := dialHub(t, url)
	ctx := context.Background()

	r, err := hostClient.CreateRoom(ctx, room.Config{Name: "t", MaxParticipants: 4}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := guestClient.Join(ctx, r.ID, room.User{ID: "guest", Name: "Guest"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Dropping the guest's socket removes its membership.
	guestClient.Close()
	waitFor(t, "guest auto-removed", func() bool {
		got, err := h.Store().Room(ctx, r.ID)
		return err == nil && got.CurrentParticipants == 1
	})
}

func TestPersistenceRestoresRooms(t *testing.T) {
	db := filepath.Join(t.TempDir(), "hub.db")
	ctx := context.Background()

	h1, err := New(config.Server{DB: db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := h1.Store().CreateRoom(ctx, room.Config{Name: "durable", MaxParticipants: 4}, room.User{ID: "host", Name: "Host"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	h1.persistJoin(r.ID, "host")
	h1.Close()

	h2, err := New(config.Server{DB: db})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	got, err := h2.Store().Room(ctx, r.ID)
	if err != nil {
		t.Fatalf("restored room missing: %v", err)
	}
	if got.Name != "durable" || got.Code != r.Code {
		t.Errorf("restored = %+v", got)
	}
	parts, err := h2.Store().Participants(ctx, r.ID)
	if err != nil || len(parts) != 1 || parts[0].UserID != "host" {
		t.Errorf("restored participants = %v, %v", parts, err)
	}
}
