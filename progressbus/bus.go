// Package progressbus delivers Job progress events to websocket
// subscribers, room-scoped by job id (spec.md §4.6).
package progressbus

import "sync"

// Conn is the narrow send side of a websocket connection a room
// delivers events to. *websocket.Conn satisfies this directly.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type subscriber struct {
	conn   Conn
	userID string
}

// Hub is the in-process room map for one server instance. Room id is
// "job:{id}", matching spec.md §4.6; a given instance only ever holds
// the subscribers connected to it directly, cross-instance fan-out is
// RedisBus's job.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*subscriber]struct{})}
}

func roomKey(jobID string) string { return "job:" + jobID }

// Join registers conn in jobID's room and returns the handle Leave
// uses to remove exactly this subscription.
func (h *Hub) Join(jobID, userID string, conn Conn) *subscriber {
	sub := &subscriber{conn: conn, userID: userID}
	h.mu.Lock()
	defer h.mu.Unlock()
	r := roomKey(jobID)
	if h.rooms[r] == nil {
		h.rooms[r] = make(map[*subscriber]struct{})
	}
	h.rooms[r][sub] = struct{}{}
	return sub
}

// Leave removes a subscription. A no-op if it was already removed.
func (h *Hub) Leave(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := roomKey(jobID)
	subs, ok := h.rooms[r]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, r)
	}
}

// Deliver pushes payload to every connection currently in jobID's
// room, in Join order is not guaranteed but delivery to all current
// members is (spec.md §4.6 in-room ordering is per-connection, not
// across connections). A connection whose write fails is dropped
// rather than blocking delivery to the rest of the room.
func (h *Hub) Deliver(jobID string, payload any) {
	h.mu.RLock()
	room := h.rooms[roomKey(jobID)]
	subs := make([]*subscriber, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.conn.WriteJSON(payload); err != nil {
			s.conn.Close()
			h.Leave(jobID, s)
		}
	}
}

// RoomSize reports how many connections are currently subscribed to
// jobID's room on this instance.
func (h *Hub) RoomSize(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(jobID)])
}
