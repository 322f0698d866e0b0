package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Glfrancodev/semilleros-collab/internal/auth"
	"github.com/Glfrancodev/semilleros-collab/internal/relay"
	"github.com/Glfrancodev/semilleros-collab/internal/room"
	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

func newTestHub(t *testing.T, r Relay) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(room.NewRegistry(), r)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func newTestClient(connID string, id auth.Identity) *Client {
	return &Client{
		send:     make(chan []byte, 16),
		connID:   connID,
		identity: id,
	}
}

func register(t *testing.T, hub *Hub, c *Client, want int) {
	t.Helper()
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == want })
}

func join(hub *Hub, c *Client, docID string) {
	data, _ := wire.Encode(wire.EventJoinDocument, wire.JoinDocument{DocumentID: docID, DocumentType: "proyecto"})
	hub.inbound <- &inbound{client: c, data: data}
}

func receive(t *testing.T, c *Client) wire.ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		msg, err := wire.DecodeServer(data)
		if err != nil {
			t.Fatalf("Received undecodable message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for message")
		return nil
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("Expected no message, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not reached in time")
}

func TestJoinPushesRosterToAllMembers(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1", Nombre: "Ana Flores", Iniciales: "AF"})
	b := newTestClient("b", auth.Identity{UserID: "u2", Nombre: "Luis Paz", Iniciales: "LP"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)

	join(hub, a, "42")
	roster, ok := receive(t, a).(wire.ActiveUsers)
	if !ok {
		t.Fatal("Expected active-users after join")
	}
	if len(roster.Users) != 1 || roster.Users[0].ID != "u1" {
		t.Errorf("Expected roster with joiner only, got %+v", roster.Users)
	}

	join(hub, b, "42")
	// both members receive the updated snapshot
	rosterA, _ := receive(t, a).(wire.ActiveUsers)
	rosterB, _ := receive(t, b).(wire.ActiveUsers)
	if len(rosterA.Users) != 2 || len(rosterB.Users) != 2 {
		t.Errorf("Expected both rosters with 2 entries, got %d and %d", len(rosterA.Users), len(rosterB.Users))
	}
}

func TestContentRelayedToOthersOnly(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, a, "42")
	receive(t, a)
	join(hub, b, "42")
	receive(t, a)
	receive(t, b)

	content := json.RawMessage(`{"text":"hello"}`)
	data, _ := wire.Encode(wire.EventContentChange, wire.ContentChange{
		DocumentID: "42", DocumentType: "proyecto", Content: content,
	})
	hub.inbound <- &inbound{client: a, data: data}

	update, ok := receive(t, b).(wire.ContentUpdate)
	if !ok {
		t.Fatal("Expected content-update at peer")
	}
	if string(update.Content) != string(content) {
		t.Errorf("Expected relayed content unchanged, got %s", update.Content)
	}

	expectNothing(t, a)
}

func TestCursorEnrichedWithSenderIdentity(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1", Nombre: "Ana Flores", Iniciales: "AF"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, a, "42")
	receive(t, a)
	join(hub, b, "42")
	receive(t, a)
	receive(t, b)

	data, _ := wire.Encode(wire.EventCursorPosition, wire.CursorPosition{
		DocumentID: "42", DocumentType: "proyecto",
		Position: &wire.Position{X: 10, Y: 20, Height: 18, Selection: wire.Rect(10, 20, 80, 18)},
	})
	hub.inbound <- &inbound{client: a, data: data}

	cur, ok := receive(t, b).(wire.CursorUpdate)
	if !ok {
		t.Fatal("Expected cursor-update at peer")
	}
	if cur.UserID != "u1" || cur.Nombre != "Ana Flores" || cur.Iniciales != "AF" {
		t.Errorf("Cursor should carry the sender identity, got %+v", cur)
	}
	if !cur.Position.Selection.IsRect() {
		t.Error("Selection rectangle should survive the relay")
	}

	expectNothing(t, a)
}

func TestLeaveUpdatesRemainingMembers(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, a, "42")
	receive(t, a)
	join(hub, b, "42")
	receive(t, a)
	receive(t, b)

	data, _ := wire.Encode(wire.EventLeaveDocument, wire.LeaveDocument{DocumentID: "42", DocumentType: "proyecto"})
	hub.inbound <- &inbound{client: a, data: data}

	roster, ok := receive(t, b).(wire.ActiveUsers)
	if !ok {
		t.Fatal("Expected roster push after peer left")
	}
	if len(roster.Users) != 1 || roster.Users[0].ID != "u2" {
		t.Errorf("Expected only the remaining member, got %+v", roster.Users)
	}

	expectNothing(t, a)
}

func TestDisconnectCleansUpLikeLeave(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, a, "42")
	receive(t, a)
	join(hub, b, "42")
	receive(t, a)
	receive(t, b)

	// simulated crash: no leave-document, just the channel dropping
	hub.unregister <- a

	roster, ok := receive(t, b).(wire.ActiveUsers)
	if !ok {
		t.Fatal("Expected roster push after disconnect")
	}
	if len(roster.Users) != 1 || roster.Users[0].ID != "u2" {
		t.Errorf("Ghost user should be gone from roster, got %+v", roster.Users)
	}
	if hub.RoomCount() != 1 {
		t.Errorf("Room with a remaining member should survive, got %d rooms", hub.RoomCount())
	}
}

func TestBufferedJoinAfterDisconnectIgnored(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1", Nombre: "Ana Flores"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, b, "42")
	receive(t, b)

	// a's channel drops while its join is still queued behind the drop
	hub.unregister <- a
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	join(hub, a, "42")

	// the stale join must not resurrect the dead connection
	expectNothing(t, b)
	waitFor(t, func() bool { return hub.registry.SessionCount() == 1 })
	roster := hub.registry.Roster(room.Key{DocumentType: "proyecto", DocumentID: "42"})
	if len(roster) != 1 || roster[0].ID != "u2" {
		t.Errorf("Expected only the live member, got %+v", roster)
	}
}

func TestShutdownUnblocksPumpHandoffs(t *testing.T) {
	hub, cancel := newTestHub(t, nil)

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	register(t, hub, a, 1)

	cancel()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	done := make(chan bool, 1)
	go func() {
		hub.enqueueUnregister(a)
		done <- hub.enqueueRegister(newTestClient("b", auth.Identity{UserID: "u2"}))
	}()

	select {
	case registered := <-done:
		if registered {
			t.Error("Register after shutdown should be refused")
		}
	case <-time.After(time.Second):
		t.Fatal("Pump handoff blocked after shutdown")
	}
}

func TestContentFromNonMemberDropped(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, b, "42")
	receive(t, b)

	data, _ := wire.Encode(wire.EventContentChange, wire.ContentChange{
		DocumentID: "42", DocumentType: "proyecto", Content: json.RawMessage(`{}`),
	})
	hub.inbound <- &inbound{client: a, data: data}

	expectNothing(t, b)
}

func TestMalformedMessageDropped(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	b := newTestClient("b", auth.Identity{UserID: "u2"})
	register(t, hub, a, 1)
	register(t, hub, b, 2)
	join(hub, a, "42")
	receive(t, a)
	join(hub, b, "42")
	receive(t, a)
	receive(t, b)

	hub.inbound <- &inbound{client: a, data: []byte(`{"event":"cursor-position","data":{"documentId":"42"}}`)}
	hub.inbound <- &inbound{client: a, data: []byte(`not even json`)}

	expectNothing(t, b)
	if hub.ClientCount() != 2 {
		t.Error("Malformed input must not kill sessions")
	}
}

type fakeRelay struct {
	published chan relay.Message
}

func (f *fakeRelay) Publish(_ context.Context, m relay.Message) {
	f.published <- m
}

func TestContentPublishedToRelay(t *testing.T) {
	fr := &fakeRelay{published: make(chan relay.Message, 4)}
	hub, cancel := newTestHub(t, fr)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	register(t, hub, a, 1)
	join(hub, a, "42")
	receive(t, a)

	data, _ := wire.Encode(wire.EventContentChange, wire.ContentChange{
		DocumentID: "42", DocumentType: "proyecto", Content: json.RawMessage(`{"text":"x"}`),
	})
	hub.inbound <- &inbound{client: a, data: data}

	select {
	case m := <-fr.published:
		if m.DocumentID != "42" || m.OriginConn != "a" {
			t.Errorf("Unexpected relay message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected relay publish")
	}
}

func TestHandleRelayDeliversToLocalMembers(t *testing.T) {
	hub, cancel := newTestHub(t, nil)
	defer cancel()

	a := newTestClient("a", auth.Identity{UserID: "u1"})
	register(t, hub, a, 1)
	join(hub, a, "42")
	receive(t, a)

	payload, _ := wire.Encode(wire.EventContentUpdate, wire.ContentUpdate{Content: json.RawMessage(`{"text":"remote"}`)})
	hub.HandleRelay(relay.Message{
		Node:         "other",
		OriginConn:   "z",
		DocumentType: "proyecto",
		DocumentID:   "42",
		Payload:      payload,
	})

	update, ok := receive(t, a).(wire.ContentUpdate)
	if !ok {
		t.Fatal("Expected content-update from relayed message")
	}
	if string(update.Content) != `{"text":"remote"}` {
		t.Errorf("Unexpected relayed content %s", update.Content)
	}
}
