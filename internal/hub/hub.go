// Package hub fans fleet events out to websocket subscribers. Delivery
// is best effort: queues are bounded and a subscriber that cannot keep up
// is disconnected rather than allowed to build backlog.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"fleetwatch/internal/domain"
)

const broadcastBuffer = 256

// Hub owns the subscriber set. Run must be started before clients attach.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	clients    map[*Client]bool

	mu   sync.Mutex
	subs []chan domain.Event
}

func New() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastBuffer),
		clients:    make(map[*Client]bool),
	}
}

// Run processes registrations and broadcasts until done closes. It is
// the only goroutine touching h.clients.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// slow consumer: drop it instead of blocking the fleet
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Publish enqueues an event for every subscriber. It never blocks the
// caller; when the hub's own queue is full the event is dropped.
func (h *Hub) Publish(evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("hub: encode event %s: %v", evt.Type, err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Printf("hub: queue full, dropping %s", evt.Type)
	}

	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns an in-process event channel. Intended for components
// inside the same binary; websocket clients attach via ServeWS instead.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, buffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.subs {
			if sub == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}
