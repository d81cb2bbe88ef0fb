package letter

import (
	"context"
	"time"
)

// Update carries the fields written together with a status change. Zero
// values leave the stored field untouched.
type Update struct {
	SentAt     *time.Time
	DeliveryAt *time.Time
	Owner      string
	UpdatedAt  time.Time
}

// Box selects which of a user's letters a listing returns.
type Box string

const (
	// BoxAll is the author's drafts plus every letter the user has received.
	BoxAll    Box = "all"
	BoxDrafts Box = "drafts"
	// BoxOutbox holds sent letters still waiting for their delivery time.
	BoxOutbox Box = "outbox"
	BoxInbox  Box = "inbox"
)

// ParseBox returns the box for value, defaulting to BoxAll.
func ParseBox(value string) (Box, bool) {
	switch Box(value) {
	case "":
		return BoxAll, true
	case BoxAll, BoxDrafts, BoxOutbox, BoxInbox:
		return Box(value), true
	default:
		return "", false
	}
}

type ListQuery struct {
	User   string
	Box    Box
	Oldest bool
	Offset int32
	Limit  int32
}

// Repository is the persistence the lifecycle depends on. Implementations
// must make ConditionalUpdateStatus atomic: it changes the row only when
// the stored status still equals expected.
type Repository interface {
	Create(ctx context.Context, l Letter) error
	FindByID(ctx context.Context, id string) (Letter, error)
	FindSentPastDeadline(ctx context.Context, now time.Time) ([]Letter, error)
	ConditionalUpdateStatus(ctx context.Context, id string, expected, next Status, fields Update) (bool, error)
	UpdateContent(ctx context.Context, id, author string, content Content, now time.Time) (bool, error)
	List(ctx context.Context, q ListQuery) ([]Letter, int32, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}
