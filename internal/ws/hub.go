package ws

import (
	"log"
	"sync"

	"github.com/inkwell/chat/internal/message"
	"github.com/inkwell/chat/internal/metrics"
	"github.com/inkwell/chat/internal/protocol"
)

// ChannelBus is the cross-instance fan-out the hub publishes through and
// subscribes on. *messaging.Client implements it; tests substitute a local
// loopback.
type ChannelBus interface {
	PublishChannelEvent(channelID int64, data []byte) error
	SubscribeChannel(channelID int64, handler func(data []byte)) error
	UnsubscribeChannel(channelID int64) error
}

// Hub tracks ephemeral channel-room membership: which connections are
// currently in which channel rooms. This is transport state only — durable
// read state lives in the readstate store and survives disconnects, room
// membership does not.
//
// Broadcasts go out through the bus so that members connected to other
// gateway instances receive them too; each instance holds one bus
// subscription per channel with local members and delivers received events
// to its local room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]*Connection // channel_id -> conn_id -> conn
	bus   ChannelBus
}

// NewHub creates a Hub publishing through the given bus. A nil bus keeps
// all delivery local to this instance.
func NewHub(bus ChannelBus) *Hub {
	return &Hub{rooms: make(map[int64]map[string]*Connection), bus: bus}
}

// Join adds a connection to a channel room. The first local member triggers
// the bus subscription for the channel. Joining a room twice is a no-op.
func (h *Hub) Join(channelID int64, conn *Connection) {
	h.mu.Lock()
	room, ok := h.rooms[channelID]
	if !ok {
		room = make(map[string]*Connection)
		h.rooms[channelID] = room
	}
	if _, member := room[conn.ID]; member {
		h.mu.Unlock()
		return
	}
	room[conn.ID] = conn
	first := len(room) == 1
	h.mu.Unlock()

	metrics.RoomMembers.Inc()

	if first && h.bus != nil {
		if err := h.bus.SubscribeChannel(channelID, func(data []byte) {
			h.deliverLocal(channelID, data)
		}); err != nil {
			log.Printf("[hub] subscribe channel=%d failed: %v", channelID, err)
		}
	}
}

// Leave removes a connection from a channel room. When the last local
// member leaves, the bus subscription for the channel is dropped.
func (h *Hub) Leave(channelID int64, conn *Connection) {
	h.mu.Lock()
	room, ok := h.rooms[channelID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := room[conn.ID]; !member {
		h.mu.Unlock()
		return
	}
	delete(room, conn.ID)
	empty := len(room) == 0
	if empty {
		delete(h.rooms, channelID)
	}
	h.mu.Unlock()

	metrics.RoomMembers.Dec()

	if empty && h.bus != nil {
		if err := h.bus.UnsubscribeChannel(channelID); err != nil {
			log.Printf("[hub] unsubscribe channel=%d failed: %v", channelID, err)
		}
	}
}

// LeaveAll removes a connection from every room it joined. Called on
// disconnect; an in-flight moderation pipeline for a message this
// connection already sent is unaffected and runs to its terminal state.
func (h *Hub) LeaveAll(conn *Connection) {
	h.mu.RLock()
	channels := make([]int64, 0, len(h.rooms))
	for channelID, room := range h.rooms {
		if _, member := room[conn.ID]; member {
			channels = append(channels, channelID)
		}
	}
	h.mu.RUnlock()

	for _, channelID := range channels {
		h.Leave(channelID, conn)
	}
}

// Members returns the number of local members in a channel room.
func (h *Hub) Members(channelID int64) int {
	h.mu.RLock()
	n := len(h.rooms[channelID])
	h.mu.RUnlock()
	return n
}

// BroadcastMessage announces a persisted message to its channel room. With
// a bus the event is published and delivered on receipt — one delivery path
// whether the member is local or on another instance. Individual write
// failures are ignored; dead connections are evicted by their read pump or
// the heartbeat.
func (h *Hub) BroadcastMessage(channelID int64, m *message.Message) {
	data, err := protocol.NewServerMessage(protocol.TypeMessageCreated, protocol.MessageCreatedMsg{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		ReplyToID: m.ReplyToID,
		Pinned:    m.IsPinned,
		CreatedAt: m.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("[hub] build message-created channel=%d: %v", channelID, err)
		return
	}

	if h.bus != nil {
		if err := h.bus.PublishChannelEvent(channelID, data); err != nil {
			log.Printf("[hub] publish channel=%d failed, delivering locally: %v", channelID, err)
			h.deliverLocal(channelID, data)
		}
		return
	}
	h.deliverLocal(channelID, data)
}

// deliverLocal writes an encoded event to every local member of a channel
// room.
func (h *Hub) deliverLocal(channelID int64, data []byte) {
	h.mu.RLock()
	room := h.rooms[channelID]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[hub] deliver channel=%d conn=%s failed: %v", channelID, conn.ID, err)
		}
	}
}
