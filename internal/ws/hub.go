package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/internal/relay"
	"github.com/Glfrancodev/semilleros-collab/internal/room"
	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

// Relay bridges room traffic to other server nodes. Nil when running
// single-node.
type Relay interface {
	Publish(ctx context.Context, m relay.Message)
}

// Hub routes messages between the document rooms' connections. Room
// membership is mutated only from the Run loop, in response to join, leave
// and disconnect events; each mutation ends with one roster push to the
// room it touched.
type Hub struct {
	registry *room.Registry
	relay    Relay

	register   chan *Client
	unregister chan *Client
	inbound    chan *inbound
	done       chan struct{}

	mu    sync.RWMutex
	conns map[string]*Client
}

type inbound struct {
	client *Client
	data   []byte
}

func NewHub(registry *room.Registry, r Relay) *Hub {
	return &Hub{
		registry:   registry,
		relay:      r,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inbound, 256),
		done:       make(chan struct{}),
		conns:      make(map[string]*Client),
	}
}

// Run processes hub events until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.conns[client.connID] = client
			total := len(h.conns)
			h.mu.Unlock()
			log.Info().Str("conn", client.connID).Str("user", client.identity.UserID).
				Int("total_conns", total).Msg("client connected")

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.inbound:
			h.dispatch(msg.client, msg.data)
		}
	}
}

// dropClient performs the cleanup an explicit leave would have done for every
// room the connection was still in, so a crash never leaves ghost users.
func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.conns[client.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, client.connID)
	total := len(h.conns)
	h.mu.Unlock()

	close(client.send)

	affected := h.registry.DropConn(client.connID)
	for _, key := range affected {
		h.pushRoster(key)
	}
	log.Info().Str("conn", client.connID).Int("rooms_left", len(affected)).
		Int("total_conns", total).Msg("client disconnected")
}

func (h *Hub) dispatch(client *Client, data []byte) {
	// an inbound message can sit in the buffer past its connection's
	// teardown; a late join would resurrect registry state that nothing
	// cleans up afterward
	h.mu.RLock()
	_, live := h.conns[client.connID]
	h.mu.RUnlock()
	if !live {
		return
	}

	msg, err := wire.DecodeClient(data)
	if err != nil {
		// Malformed input never crashes a session
		log.Debug().Err(err).Str("conn", client.connID).Msg("dropping malformed message")
		return
	}

	switch m := msg.(type) {
	case wire.JoinDocument:
		key := room.Key{DocumentType: m.DocumentType, DocumentID: m.DocumentID}
		members := h.registry.Join(key, client.connID, client.identity)
		log.Info().Str("room", key.String()).Str("user", client.identity.UserID).
			Int("members", members).Msg("joined room")
		h.pushRoster(key)

	case wire.LeaveDocument:
		key := room.Key{DocumentType: m.DocumentType, DocumentID: m.DocumentID}
		remaining, was := h.registry.Leave(key, client.connID)
		if !was {
			return
		}
		log.Info().Str("room", key.String()).Str("user", client.identity.UserID).
			Int("members", remaining).Msg("left room")
		h.pushRoster(key)

	case wire.ContentChange:
		key := room.Key{DocumentType: m.DocumentType, DocumentID: m.DocumentID}
		if _, ok := h.registry.Identity(key, client.connID); !ok {
			return
		}
		payload, err := wire.Encode(wire.EventContentUpdate, wire.ContentUpdate{Content: m.Content})
		if err != nil {
			return
		}
		h.sendToRoom(key, client.connID, payload)
		h.publish(key, client.connID, payload)

	case wire.CursorPosition:
		key := room.Key{DocumentType: m.DocumentType, DocumentID: m.DocumentID}
		id, ok := h.registry.Identity(key, client.connID)
		if !ok {
			return
		}
		payload, err := wire.Encode(wire.EventCursorUpdate, wire.CursorUpdate{
			UserID:    id.UserID,
			Nombre:    id.Nombre,
			Iniciales: id.Iniciales,
			Position:  m.Position,
		})
		if err != nil {
			return
		}
		h.sendToRoom(key, client.connID, payload)
		h.publish(key, client.connID, payload)
	}
}

// pushRoster recomputes a room's presence snapshot and delivers it to every
// member, the most recent joiner included. Never partial: one snapshot per
// membership change.
func (h *Hub) pushRoster(key room.Key) {
	payload, err := wire.Encode(wire.EventActiveUsers, wire.ActiveUsers{Users: h.registry.Roster(key)})
	if err != nil {
		return
	}
	h.sendToRoom(key, "", payload)
}

// sendToRoom delivers a payload to every member except the named connection.
// Delivery is at-most-once: a member with a full send buffer misses this
// message rather than blocking the hub.
func (h *Hub) sendToRoom(key room.Key, exceptConnID string, payload []byte) {
	members := h.registry.Members(key)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, connID := range members {
		if connID == exceptConnID {
			continue
		}
		client, ok := h.conns[connID]
		if !ok {
			continue
		}
		select {
		case client.send <- payload:
		default:
			log.Warn().Str("conn", connID).Str("room", key.String()).Msg("send buffer full, dropping message")
		}
	}
}

func (h *Hub) publish(key room.Key, originConn string, payload []byte) {
	if h.relay == nil {
		return
	}
	h.relay.Publish(context.Background(), relay.Message{
		OriginConn:   originConn,
		DocumentType: key.DocumentType,
		DocumentID:   key.DocumentID,
		Payload:      json.RawMessage(payload),
	})
}

// HandleRelay delivers a message relayed from another node to this node's
// members of the room.
func (h *Hub) HandleRelay(m relay.Message) {
	key := room.Key{DocumentType: m.DocumentType, DocumentID: m.DocumentID}
	h.sendToRoom(key, m.OriginConn, []byte(m.Payload))
}

func (h *Hub) closeAll() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for connID, client := range h.conns {
		close(client.send)
		delete(h.conns, connID)
	}
	log.Info().Msg("closed all websocket clients")
}

// enqueueRegister hands a new connection to the Run loop. Reports false when
// the hub has shut down, so pump goroutines never block on a dead loop.
func (h *Hub) enqueueRegister(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) enqueueUnregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) enqueueInbound(c *Client, data []byte) {
	select {
	case h.inbound <- &inbound{client: c, data: data}:
	case <-h.done:
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	return h.registry.RoomCount()
}
