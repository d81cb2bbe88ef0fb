package letter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDelay is the time between sending a letter and its delivery.
const DefaultDelay = 24 * time.Hour

// Manager enforces the letter state machine. Every status change goes
// through Repository.ConditionalUpdateStatus, so a Manager can be shared by
// request handlers and the delivery scheduler without further locking.
type Manager struct {
	repo  Repository
	clock Clock
	delay time.Duration
}

func NewManager(repo Repository, clock Clock, delay time.Duration) *Manager {
	if clock == nil {
		clock = SystemClock
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	// Stored times are unix seconds; a fractional delay would make the
	// delivery time returned by Send differ from the stored one.
	if rem := delay % time.Second; rem != 0 {
		delay += time.Second - rem
	}
	return &Manager{repo: repo, clock: clock, delay: delay}
}

// Delay returns the configured send-to-delivery delay.
func (m *Manager) Delay() time.Duration {
	return m.delay
}

// now is truncated to seconds because stored timestamps are unix seconds.
func (m *Manager) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Second)
}

// CreateDraft stores a new draft owned by its author.
func (m *Manager) CreateDraft(ctx context.Context, author, recipient string, content Content) (Letter, error) {
	author = strings.TrimSpace(author)
	recipient = strings.TrimSpace(recipient)
	if author == "" || recipient == "" {
		return Letter{}, fmt.Errorf("%w: author and recipient are required", ErrInvalidLetter)
	}
	now := m.now()
	l := Letter{
		ID:        uuid.NewString(),
		Content:   content,
		Status:    StatusDraft,
		Author:    author,
		Recipient: recipient,
		Owner:     author,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, l); err != nil {
		return Letter{}, storeError("create draft", err)
	}
	return l, nil
}

// UpdateDraft replaces the content of a draft. Only its author may do so.
func (m *Manager) UpdateDraft(ctx context.Context, id, caller string, content Content) (Letter, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return Letter{}, err
	}
	if l.Author != caller {
		return Letter{}, ErrUnauthorized
	}
	if !CanEdit(l, caller) {
		return Letter{}, fmt.Errorf("%w: %s letters cannot be edited", ErrInvalidTransition, l.Status)
	}
	now := m.now()
	ok, err := m.repo.UpdateContent(ctx, id, caller, content, now)
	if err != nil {
		return Letter{}, storeError("update draft", err)
	}
	if !ok {
		// sent between load and update
		return Letter{}, fmt.Errorf("%w: letter is no longer a draft", ErrInvalidTransition)
	}
	l.Content = content
	l.UpdatedAt = now
	return l, nil
}

// Send commits a draft: it stamps the send time and computes the delivery
// time from the configured delay.
func (m *Manager) Send(ctx context.Context, id, caller string) (Letter, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return Letter{}, err
	}
	if l.Author != caller {
		return Letter{}, ErrUnauthorized
	}
	if !l.Status.CanTransitionTo(StatusSent) {
		return Letter{}, transitionError(l, StatusSent)
	}
	sentAt := m.now()
	deliveryAt := sentAt.Add(m.delay)
	ok, err := m.repo.ConditionalUpdateStatus(ctx, id, StatusDraft, StatusSent, Update{
		SentAt:     &sentAt,
		DeliveryAt: &deliveryAt,
		UpdatedAt:  sentAt,
	})
	if err != nil {
		return Letter{}, storeError("send letter", err)
	}
	if !ok {
		return Letter{}, fmt.Errorf("%w: letter was already sent", ErrInvalidTransition)
	}
	l.Status = StatusSent
	l.SentAt = &sentAt
	l.DeliveryAt = &deliveryAt
	l.UpdatedAt = sentAt
	return l, nil
}

// Deliver moves a sent letter whose delivery time has passed to its
// recipient. Letters already delivered or read are returned unchanged with
// delivered set to false and no error.
func (m *Manager) Deliver(ctx context.Context, id string) (l Letter, delivered bool, err error) {
	l, err = m.load(ctx, id)
	if err != nil {
		return Letter{}, false, err
	}
	if l.Status.Received() {
		return l, false, nil
	}
	if !l.Status.CanTransitionTo(StatusDelivered) {
		return Letter{}, false, transitionError(l, StatusDelivered)
	}
	now := m.now()
	if !l.Due(now) {
		return Letter{}, false, ErrNotDue
	}
	ok, err := m.repo.ConditionalUpdateStatus(ctx, id, StatusSent, StatusDelivered, Update{
		Owner:     l.Recipient,
		UpdatedAt: now,
	})
	if err != nil {
		return Letter{}, false, storeError("deliver letter", err)
	}
	if !ok {
		// Another caller moved it first; status only moves forward.
		current, err := m.load(ctx, id)
		if err != nil {
			return Letter{}, false, err
		}
		if current.Status.Received() {
			return current, false, nil
		}
		return Letter{}, false, transitionError(current, StatusDelivered)
	}
	l.Status = StatusDelivered
	l.Owner = l.Recipient
	l.UpdatedAt = now
	return l, true, nil
}

// MarkRead records that the owner opened a delivered letter. Marking a
// read letter again is a no-op that reports read as false.
func (m *Manager) MarkRead(ctx context.Context, id, caller string) (l Letter, read bool, err error) {
	l, err = m.load(ctx, id)
	if err != nil {
		return Letter{}, false, err
	}
	if l.Owner != caller {
		return Letter{}, false, ErrUnauthorized
	}
	if l.Status == StatusRead {
		return l, false, nil
	}
	if !l.Status.CanTransitionTo(StatusRead) {
		return Letter{}, false, transitionError(l, StatusRead)
	}
	now := m.now()
	ok, err := m.repo.ConditionalUpdateStatus(ctx, id, StatusDelivered, StatusRead, Update{UpdatedAt: now})
	if err != nil {
		return Letter{}, false, storeError("mark read", err)
	}
	if !ok {
		current, err := m.load(ctx, id)
		if err != nil {
			return Letter{}, false, err
		}
		if current.Status == StatusRead {
			return current, false, nil
		}
		return Letter{}, false, transitionError(current, StatusRead)
	}
	l.Status = StatusRead
	l.UpdatedAt = now
	return l, true, nil
}

// Get returns a letter the caller may view. Letters the caller may not see
// are reported as not found.
func (m *Manager) Get(ctx context.Context, id, caller string) (Letter, error) {
	l, err := m.load(ctx, id)
	if err != nil {
		return Letter{}, err
	}
	if !CanView(l, caller) {
		return Letter{}, ErrNotFound
	}
	return l, nil
}

// Open is the recipient's read access: it returns the letter and marks a
// delivered letter read when the caller owns it. read reports whether this
// call made that change.
func (m *Manager) Open(ctx context.Context, id, caller string) (Letter, bool, error) {
	l, err := m.Get(ctx, id, caller)
	if err != nil {
		return Letter{}, false, err
	}
	if l.Status != StatusDelivered || l.Owner != caller {
		return l, false, nil
	}
	return m.MarkRead(ctx, id, caller)
}

// List returns one page of the user's letters and the total in the box.
func (m *Manager) List(ctx context.Context, q ListQuery) ([]Letter, int32, error) {
	if q.User == "" {
		return nil, 0, ErrUnauthorized
	}
	if q.Box == "" {
		q.Box = BoxAll
	}
	letters, total, err := m.repo.List(ctx, q)
	if err != nil {
		return nil, 0, storeError("list letters", err)
	}
	return letters, total, nil
}

func (m *Manager) load(ctx context.Context, id string) (Letter, error) {
	l, err := m.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Letter{}, ErrNotFound
		}
		return Letter{}, storeError("load letter", err)
	}
	return l, nil
}
