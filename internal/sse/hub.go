// Package sse fans server-sent events out to the streams a user has open.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a stream for email. The returned func removes it and
// closes the channel.
func (h *Hub) Subscribe(email string) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[email]; !ok {
		h.subs[email] = make(map[chan []byte]struct{})
	}
	h.subs[email][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[email]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, email)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast sends payload to every stream of the given users. Slow streams
// drop the event instead of blocking the sender.
func (h *Hub) Broadcast(emails []string, payload []byte) {
	if len(emails) == 0 {
		return
	}
	unique := map[string]struct{}{}
	for _, email := range emails {
		if email == "" {
			continue
		}
		unique[email] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for email := range unique {
		for ch := range h.subs[email] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Publish encodes data as JSON and broadcasts it as a named event.
func (h *Hub) Publish(emails []string, event string, data any) error {
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}
	h.Broadcast(emails, payload)
	return nil
}

// Subscribers returns the number of open streams for email.
func (h *Hub) Subscribers(email string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[email])
}

// Encode frames data as a server-sent event.
func Encode(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, body)), nil
}
