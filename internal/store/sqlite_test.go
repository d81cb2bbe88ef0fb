package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.io/infrasutra/slowpost/internal/letter"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func draft(id, author, recipient string, created time.Time) letter.Letter {
	return letter.Letter{
		ID:        id,
		Content:   letter.Content{Title: "Title " + id, Body: "Body " + id, Postscript: "P.S. " + id},
		Status:    letter.StatusDraft,
		Author:    author,
		Recipient: recipient,
		Owner:     author,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func sendLetter(t *testing.T, s *Store, id string, sentAt time.Time, delay time.Duration) {
	t.Helper()
	deliveryAt := sentAt.Add(delay)
	ok, err := s.ConditionalUpdateStatus(context.Background(), id, letter.StatusDraft, letter.StatusSent, letter.Update{
		SentAt:     &sentAt,
		DeliveryAt: &deliveryAt,
		UpdatedAt:  sentAt,
	})
	if err != nil || !ok {
		t.Fatalf("send %s: ok=%v err=%v", id, ok, err)
	}
}

func TestCreateAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := draft("l1", "a@example.com", "b@example.com", base)
	if err := s.Create(ctx, want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.FindByID(ctx, "l1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Title != want.Title || got.Postscript != want.Postscript {
		t.Errorf("content = %+v, want %+v", got.Content, want.Content)
	}
	if got.Status != letter.StatusDraft || got.Owner != "a@example.com" {
		t.Errorf("status/owner = %s/%s", got.Status, got.Owner)
	}
	if got.SentAt != nil || got.DeliveryAt != nil {
		t.Error("expected nil send times on a draft")
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, letter.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, draft("l1", "a", "b", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sendLetter(t, s, "l1", base, 24*time.Hour)

	ok, err := s.ConditionalUpdateStatus(ctx, "l1", letter.StatusDraft, letter.StatusSent, letter.Update{UpdatedAt: base})
	if err != nil {
		t.Fatalf("repeat send: %v", err)
	}
	if ok {
		t.Fatal("expected update conditioned on draft to fail once sent")
	}

	ok, err = s.ConditionalUpdateStatus(ctx, "l1", letter.StatusSent, letter.StatusDelivered, letter.Update{
		Owner:     "b",
		UpdatedAt: base.Add(25 * time.Hour),
	})
	if err != nil || !ok {
		t.Fatalf("deliver: ok=%v err=%v", ok, err)
	}

	got, err := s.FindByID(ctx, "l1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != letter.StatusDelivered || got.Owner != "b" {
		t.Errorf("status/owner = %s/%s, want delivered/b", got.Status, got.Owner)
	}
	if got.SentAt == nil || !got.SentAt.Equal(base) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, base)
	}
	if got.DeliveryAt == nil || !got.DeliveryAt.Equal(base.Add(24*time.Hour)) {
		t.Errorf("DeliveryAt = %v", got.DeliveryAt)
	}
	if !got.UpdatedAt.Equal(base.Add(25 * time.Hour)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
}

func TestConditionalUpdateRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, draft("l1", "a", "b", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sendLetter(t, s, "l1", base, time.Hour)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConditionalUpdateStatus(ctx, "l1", letter.StatusSent, letter.StatusDelivered, letter.Update{
				Owner:     "b",
				UpdatedAt: base.Add(2 * time.Hour),
			})
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winning update, got %d", got)
	}
}

func TestFindSentPastDeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"due", "later", "draft", "done"} {
		if err := s.Create(ctx, draft(id, "a", "b", base)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	sendLetter(t, s, "due", base, time.Hour)
	sendLetter(t, s, "later", base, 48*time.Hour)
	sendLetter(t, s, "done", base, time.Hour)
	if ok, err := s.ConditionalUpdateStatus(ctx, "done", letter.StatusSent, letter.StatusDelivered, letter.Update{Owner: "b", UpdatedAt: base}); err != nil || !ok {
		t.Fatalf("deliver done: ok=%v err=%v", ok, err)
	}

	due, err := s.FindSentPastDeadline(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FindSentPastDeadline: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only the due letter, got %+v", due)
	}

	due, err = s.FindSentPastDeadline(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("FindSentPastDeadline: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no letters before the deadline, got %d", len(due))
	}
}

func TestUpdateContentAndDeleteDraft(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, draft("l1", "a", "b", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.UpdateContent(ctx, "l1", "b", letter.Content{Title: "hijack", Body: "x"}, base)
	if err != nil || ok {
		t.Fatalf("update by recipient: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateContent(ctx, "l1", "a", letter.Content{Title: "Revised", Body: "New body"}, base.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("update by author: ok=%v err=%v", ok, err)
	}
	got, _ := s.FindByID(ctx, "l1")
	if got.Title != "Revised" || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("letter after update = %+v", got)
	}

	sendLetter(t, s, "l1", base, time.Hour)
	if ok, _ := s.UpdateContent(ctx, "l1", "a", letter.Content{Title: "late"}, base); ok {
		t.Error("expected sent letters to reject content changes")
	}
	if ok, _ := s.DeleteDraft(ctx, "l1", "a"); ok {
		t.Error("expected sent letters to survive delete")
	}

	if err := s.Create(ctx, draft("l2", "a", "b", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, err := s.DeleteDraft(ctx, "l2", "a"); err != nil || !ok {
		t.Fatalf("DeleteDraft: ok=%v err=%v", ok, err)
	}
	if _, err := s.FindByID(ctx, "l2"); !errors.Is(err, letter.ErrNotFound) {
		t.Errorf("expected deleted draft to be gone, got %v", err)
	}
}

func TestListBoxes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"d1", "d2", "sent", "recv", "other"} {
		l := draft(id, "a", "b", base.Add(time.Duration(i)*time.Minute))
		if id == "recv" {
			l = draft(id, "b", "a", base.Add(time.Duration(i)*time.Minute))
			l.Owner = "b"
		}
		if id == "other" {
			l = draft(id, "c", "b", base)
			l.Owner = "c"
		}
		if err := s.Create(ctx, l); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	sendLetter(t, s, "sent", base, time.Hour)
	sendLetter(t, s, "recv", base, time.Hour)
	if ok, err := s.ConditionalUpdateStatus(ctx, "recv", letter.StatusSent, letter.StatusDelivered, letter.Update{Owner: "a", UpdatedAt: base}); err != nil || !ok {
		t.Fatalf("deliver recv: ok=%v err=%v", ok, err)
	}

	cases := []struct {
		box  letter.Box
		want []string
	}{
		{letter.BoxAll, []string{"recv", "d2", "d1"}},
		{letter.BoxDrafts, []string{"d2", "d1"}},
		{letter.BoxOutbox, []string{"sent"}},
		{letter.BoxInbox, []string{"recv"}},
	}
	for _, tc := range cases {
		letters, total, err := s.List(ctx, letter.ListQuery{User: "a", Box: tc.box, Limit: 10})
		if err != nil {
			t.Fatalf("List %s: %v", tc.box, err)
		}
		if int(total) != len(tc.want) {
			t.Errorf("%s total = %d, want %d", tc.box, total, len(tc.want))
		}
		var ids []string
		for _, l := range letters {
			ids = append(ids, l.ID)
		}
		if len(ids) != len(tc.want) {
			t.Errorf("%s ids = %v, want %v", tc.box, ids, tc.want)
			continue
		}
		for i := range ids {
			if ids[i] != tc.want[i] {
				t.Errorf("%s ids = %v, want %v", tc.box, ids, tc.want)
				break
			}
		}
	}

	page, total, err := s.List(ctx, letter.ListQuery{User: "a", Box: letter.BoxDrafts, Oldest: true, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if total != 2 || len(page) != 1 || page[0].ID != "d2" {
		t.Errorf("second oldest-first page = %v (total %d)", page, total)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.Create(ctx, draft(id, "a", "b", base)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	sendLetter(t, s, "a1", base, time.Hour)

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[letter.StatusDraft] != 2 || counts[letter.StatusSent] != 1 || counts[letter.StatusRead] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, "a@example.com", base); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.UpsertUser(ctx, "a@example.com", base.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertUser again: %v", err)
	}
	user, err := s.GetUser(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !user.CreatedAt.Equal(base) || !user.LastLogin.Equal(base.Add(time.Hour)) {
		t.Errorf("user = %+v", user)
	}
	if _, err := s.GetUser(ctx, "nobody@example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "slowpost.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := s.Create(ctx, draft("l1", "a", "b", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.FindByID(ctx, "l1"); err != nil {
		t.Fatalf("FindByID after reopen: %v", err)
	}
}
