// Package notify tells users about letter lifecycle changes.
package notify

import (
	"context"
	"errors"
	"time"

	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/sse"
)

// Event names the lifecycle change being announced.
type Event string

const (
	EventDraft     Event = "draft"
	EventSent      Event = "sent"
	EventDelivered Event = "delivered"
	EventRead      Event = "read"
)

type Notifier interface {
	Notify(ctx context.Context, event Event, l letter.Letter) error
}

// Fanout notifies every notifier in turn and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event Event, l letter.Letter) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stream pushes letter events to the users' open event streams.
type Stream struct {
	hub *sse.Hub
}

func NewStream(hub *sse.Hub) *Stream {
	return &Stream{hub: hub}
}

type streamEvent struct {
	Event      Event  `json:"event"`
	ID         string `json:"id"`
	Status     string `json:"status"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Recipient  string `json:"recipient"`
	DeliveryAt string `json:"deliveryAt,omitempty"`
}

func (s *Stream) Notify(_ context.Context, event Event, l letter.Letter) error {
	payload := streamEvent{
		Event:     event,
		ID:        l.ID,
		Status:    string(l.Status),
		Title:     l.Title,
		Author:    l.Author,
		Recipient: l.Recipient,
	}
	if l.DeliveryAt != nil {
		payload.DeliveryAt = l.DeliveryAt.UTC().Format(time.RFC3339)
	}
	return s.hub.Publish(Audience(l), "letter", payload)
}

// Audience is every user allowed to see the letter in its current status.
func Audience(l letter.Letter) []string {
	audience := []string{l.Author}
	if l.Status.Received() && l.Owner != l.Author {
		audience = append(audience, l.Owner)
	}
	return audience
}
