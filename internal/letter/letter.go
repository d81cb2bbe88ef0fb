// Package letter holds the letter model and the lifecycle rules that move a
// letter from draft to read.
package letter

import (
	"fmt"
	"strings"
	"time"
)

// Status is the position of a letter in its lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusDraft, StatusSent, StatusDelivered, StatusRead}

// successor maps each status to the only status it may move to.
var successor = map[Status]Status{
	StatusDraft:     StatusSent,
	StatusSent:      StatusDelivered,
	StatusDelivered: StatusRead,
}

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Statuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown letter status %q", value)
}

// CanTransitionTo reports whether next directly follows s.
func (s Status) CanTransitionTo(next Status) bool {
	want, ok := successor[s]
	return ok && want == next
}

// Received reports whether the letter has reached its recipient.
func (s Status) Received() bool {
	return s == StatusDelivered || s == StatusRead
}

// Content is the text of a letter. The lifecycle never interprets it.
type Content struct {
	Title      string
	Date       string
	Opener     string
	Body       string
	Closer     string
	Signature  string
	Postscript string
}

type Letter struct {
	ID string
	Content
	Status    Status
	Author    string
	Recipient string
	// Owner is the author until delivery and the recipient afterwards.
	Owner      string
	SentAt     *time.Time
	DeliveryAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Due reports whether a sent letter's delivery time has passed at now.
func (l Letter) Due(now time.Time) bool {
	return l.Status == StatusSent && l.DeliveryAt != nil && !l.DeliveryAt.After(now)
}

// CanView reports whether user may read the letter. Authors always may;
// the owner may once the letter has been delivered.
func CanView(l Letter, user string) bool {
	if user == "" {
		return false
	}
	if l.Author == user {
		return true
	}
	return l.Owner == user && l.Status.Received()
}

// CanEdit reports whether user may change the letter's content.
func CanEdit(l Letter, user string) bool {
	return user != "" && l.Author == user && l.Status == StatusDraft
}
