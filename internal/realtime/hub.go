// Package realtime is the subscription registry behind dashboard push
// updates: subscribers join project rooms and receive every notification
// published to the rooms they are in.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Message is what a subscriber receives.
type Message struct {
	Event     string `json:"event"`
	ProjectID string `json:"projectId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type subscriber struct {
	id     string
	send   chan Message
	rooms  map[string]struct{}
	closed bool
}

// Hub routes published messages to the subscribers of a project room.
//
// Delivery never blocks the publisher. Each subscriber has a bounded queue
// drained in publish order; a subscriber whose queue is full is dropped and
// its channel closed.
type Hub struct {
	buffer int

	mu    sync.RWMutex
	subs  map[string]*subscriber
	rooms map[string]map[string]*subscriber
}

// NewHub creates a hub with buffer slots per subscriber.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]*subscriber),
		rooms:  make(map[string]map[string]*subscriber),
	}
}

// Register adds a subscriber and returns the channel its messages arrive on.
// The channel is closed by Unregister, when the subscriber is dropped, or on
// hub shutdown.
func (h *Hub) Register(id string) (<-chan Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subs[id]; exists {
		return nil, fmt.Errorf("subscriber %q already registered", id)
	}
	s := &subscriber{id: id, send: make(chan Message, h.buffer), rooms: map[string]struct{}{}}
	h.subs[id] = s
	metrics.WSConnections.Inc()
	return s.send, nil
}

// Unregister removes id from every room and closes its channel.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(id)
}

// remove must be called with h.mu held.
func (h *Hub) remove(id string) {
	s, ok := h.subs[id]
	if !ok {
		return
	}
	for room := range s.rooms {
		h.leave(s, room)
	}
	delete(h.subs, id)
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	metrics.WSConnections.Dec()
}

// Join subscribes id to projectID's room.
func (h *Hub) Join(id, projectID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", id)
	}
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[string]*subscriber)
		h.rooms[projectID] = room
	}
	room[id] = s
	s.rooms[projectID] = struct{}{}
	return nil
}

// Leave unsubscribes id from projectID's room.
func (h *Hub) Leave(id, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[id]; ok {
		h.leave(s, projectID)
	}
}

func (h *Hub) leave(s *subscriber, projectID string) {
	delete(s.rooms, projectID)
	if room, ok := h.rooms[projectID]; ok {
		delete(room, s.id)
		if len(room) == 0 {
			delete(h.rooms, projectID)
		}
	}
}

// Publish delivers name/payload to every subscriber of projectID. It never
// blocks and never fails; the error return satisfies notify.Publisher.
func (h *Hub) Publish(projectID, name string, payload any) error {
	msg := Message{Event: name, ProjectID: projectID, Data: payload}

	var slow []string
	h.mu.RLock()
	for id, s := range h.rooms[projectID] {
		select {
		case s.send <- msg:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return nil
	}

	h.mu.Lock()
	for _, id := range slow {
		h.remove(id)
		metrics.SubscribersDropped.Inc()
		logging.Warn().Str("subscriber", id).Str("project_id", projectID).Msg("slow subscriber dropped")
	}
	h.mu.Unlock()
	return nil
}

// subscribers returns the number of subscribers in projectID's room.
func (h *Hub) subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// Serve implements suture.Service. On shutdown every subscriber channel is
// closed so connection pumps terminate.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	n := len(h.subs)
	for id := range h.subs {
		h.remove(id)
	}
	h.mu.Unlock()

	logging.Info().Int("subscribers", n).Msg("realtime hub stopped")
	return ctx.Err()
}

func (h *Hub) String() string { return "realtime-hub" }
