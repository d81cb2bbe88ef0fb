package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.io/infrasutra/slowpost/internal/auth"
	"github.io/infrasutra/slowpost/internal/config"
	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/metrics"
	"github.io/infrasutra/slowpost/internal/notify"
	"github.io/infrasutra/slowpost/internal/sse"
	"github.io/infrasutra/slowpost/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event, _ letter.Letter) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) seen() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type testEnv struct {
	server   *Server
	store    *store.Store
	manager  *letter.Manager
	clock    *fakeClock
	hub      *sse.Hub
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Config{})
}

func newTestEnvWithConfig(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	authManager, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	manager := letter.NewManager(st, clock, 24*time.Hour)
	hub := sse.NewHub()
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(cfg, st, manager, authManager, hub, logger,
		WithNotifier(notifier),
		WithMetrics(metrics.New(nil)),
	)
	return &testEnv{server: server, store: st, manager: manager, clock: clock, hub: hub, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email string) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/login", map[string]string{"email": email}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "slowpost_session" {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type listResponse struct {
	Letters []letterSummary `json:"letters"`
	Limit   int32           `json:"limit"`
	Total   int32           `json:"total"`
	HasNext bool            `json:"hasNext"`
}

func TestLoginAndMe(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/me", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("me without session: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/login", map[string]string{"email": "nope"}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("login with invalid email: status %d", rec.Code)
	}

	cookie := env.login(t, "Alice@Example.com")
	rec := env.do(t, http.MethodGet, "/api/me", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d", rec.Code)
	}
	me := decode[map[string]string](t, rec)
	if me["email"] != "alice@example.com" {
		t.Errorf("email = %q", me["email"])
	}
	if me["deliveryDelay"] != "24h0m0s" {
		t.Errorf("deliveryDelay = %q", me["deliveryDelay"])
	}
	if me["createdAt"] == "" || me["createdAt"] != me["lastLogin"] {
		t.Errorf("createdAt = %q, lastLogin = %q", me["createdAt"], me["lastLogin"])
	}
	if _, err := env.store.GetUser(context.Background(), "alice@example.com"); err != nil {
		t.Errorf("login did not record the user: %v", err)
	}
}

func TestLetterLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")

	rec := env.do(t, http.MethodPost, "/api/letters", letterRequest{
		Recipient: "Bob@Example.com",
		Title:     "Hello",
		Body:      "It has been a while.",
	}, alice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[letterResponse](t, rec)
	if created.Status != "draft" || created.Owner != "alice@example.com" || created.Recipient != "bob@example.com" {
		t.Fatalf("created = %+v", created)
	}
	path := "/api/letters/" + created.ID

	rec = env.do(t, http.MethodPut, path, letterRequest{Title: "Hello again", Body: "Still here."}, alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[letterResponse](t, rec); got.Title != "Hello again" {
		t.Errorf("title = %q", got.Title)
	}
	if rec := env.do(t, http.MethodGet, path, nil, bob); rec.Code != http.StatusNotFound {
		t.Errorf("recipient viewing a draft: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, path+"/send", nil, bob); rec.Code != http.StatusForbidden {
		t.Errorf("recipient sending: status %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, path+"/send", nil, alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: status %d: %s", rec.Code, rec.Body.String())
	}
	sent := decode[letterResponse](t, rec)
	if sent.Status != "sent" || sent.SentAt != "2026-03-01T09:00:00Z" || sent.DeliveryAt != "2026-03-02T09:00:00Z" {
		t.Errorf("sent = %+v", sent)
	}
	if rec := env.do(t, http.MethodPost, path+"/send", nil, alice); rec.Code != http.StatusConflict {
		t.Errorf("second send: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, path, letterRequest{Title: "late edit"}, alice); rec.Code != http.StatusConflict {
		t.Errorf("editing a sent letter: status %d", rec.Code)
	}

	outbox := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=outbox", nil, alice))
	if outbox.Total != 1 {
		t.Errorf("outbox total = %d, want 1", outbox.Total)
	}
	inbox := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=inbox", nil, bob))
	if inbox.Total != 0 {
		t.Errorf("inbox before delivery = %d, want 0", inbox.Total)
	}

	env.clock.Advance(24 * time.Hour)
	if _, changed, err := env.manager.Deliver(context.Background(), created.ID); err != nil || !changed {
		t.Fatalf("Deliver: changed=%v err=%v", changed, err)
	}

	inbox = decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=inbox", nil, bob))
	if inbox.Total != 1 || inbox.Letters[0].ID != created.ID {
		t.Fatalf("inbox after delivery = %+v", inbox)
	}

	rec = env.do(t, http.MethodGet, path, nil, bob)
	if rec.Code != http.StatusOK {
		t.Fatalf("open: status %d", rec.Code)
	}
	if got := decode[letterResponse](t, rec); got.Status != "read" || got.Owner != "bob@example.com" {
		t.Errorf("opened = %+v", got)
	}
	rec = env.do(t, http.MethodPost, path+"/read", nil, bob)
	if rec.Code != http.StatusOK {
		t.Errorf("mark read again: status %d", rec.Code)
	}

	want := []notify.Event{notify.EventDraft, notify.EventSent, notify.EventRead}
	got := env.notifier.seen()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMarkReadRules(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")
	carol := env.login(t, "carol@example.com")

	l, err := env.manager.CreateDraft(context.Background(), "alice@example.com", "bob@example.com", letter.Content{Title: "t"})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	path := "/api/letters/" + l.ID + "/read"
	if rec := env.do(t, http.MethodPost, path, nil, alice); rec.Code != http.StatusConflict {
		t.Errorf("reading a draft: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, path, nil, carol); rec.Code != http.StatusNotFound {
		t.Errorf("stranger marking read: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/letters/"+l.ID, nil, carol); rec.Code != http.StatusNotFound {
		t.Errorf("stranger opening: status %d", rec.Code)
	}

	if _, err := env.manager.Send(context.Background(), l.ID, "alice@example.com"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec := env.do(t, http.MethodPost, path, nil, bob); rec.Code != http.StatusNotFound {
		t.Errorf("recipient marking an undelivered letter read: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, alice); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on read: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/letters/missing/read", nil, alice); rec.Code != http.StatusNotFound {
		t.Errorf("unknown letter: status %d", rec.Code)
	}
}

func TestDeleteDraft(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")
	ctx := context.Background()

	draft, _ := env.manager.CreateDraft(ctx, "alice@example.com", "bob@example.com", letter.Content{Title: "draft"})
	if rec := env.do(t, http.MethodDelete, "/api/letters/"+draft.ID, nil, bob); rec.Code != http.StatusNotFound {
		t.Errorf("delete by recipient: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/letters/"+draft.ID, nil, alice); rec.Code != http.StatusNoContent {
		t.Fatalf("delete by author: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/letters/"+draft.ID, nil, alice); rec.Code != http.StatusNotFound {
		t.Errorf("deleted draft still visible: status %d", rec.Code)
	}

	sent, _ := env.manager.CreateDraft(ctx, "alice@example.com", "bob@example.com", letter.Content{Title: "sent"})
	if _, err := env.manager.Send(ctx, sent.ID, "alice@example.com"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec := env.do(t, http.MethodDelete, "/api/letters/"+sent.ID, nil, alice); rec.Code != http.StatusConflict {
		t.Errorf("delete of sent letter: status %d", rec.Code)
	}
}

func TestListValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")

	if rec := env.do(t, http.MethodGet, "/api/letters", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("list without session: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/letters?box=trash", nil, alice); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown box: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/letters", letterRequest{Recipient: "not-an-address"}, alice); rec.Code != http.StatusBadRequest {
		t.Errorf("bad recipient: status %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		if _, err := env.manager.CreateDraft(context.Background(), "alice@example.com", "bob@example.com", letter.Content{Title: fmt.Sprintf("d%d", i)}); err != nil {
			t.Fatalf("CreateDraft: %v", err)
		}
	}
	page := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=drafts&limit=2", nil, alice))
	if page.Total != 3 || len(page.Letters) != 2 || !page.HasNext {
		t.Errorf("first page = %+v", page)
	}
	page = decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=drafts&limit=2&page=2", nil, alice))
	if len(page.Letters) != 1 || page.HasNext {
		t.Errorf("second page = %+v", page)
	}
}

func TestListDefaults(t *testing.T) {
	env := newTestEnvWithConfig(t, config.Config{PageSize: 2})
	alice := env.login(t, "alice@example.com")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l, err := env.manager.CreateDraft(ctx, "alice@example.com", "bob@example.com", letter.Content{Title: fmt.Sprintf("l%d", i)})
		if err != nil {
			t.Fatalf("CreateDraft: %v", err)
		}
		if _, err := env.manager.Send(ctx, l.ID, "alice@example.com"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		env.clock.Advance(time.Minute)
	}

	outbox := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=outbox", nil, alice))
	if outbox.Limit != 2 || len(outbox.Letters) != 2 || !outbox.HasNext {
		t.Fatalf("outbox page = %+v", outbox)
	}
	if outbox.Letters[0].Title != "l0" || outbox.Letters[1].Title != "l1" {
		t.Errorf("outbox order = %q, %q, want oldest first", outbox.Letters[0].Title, outbox.Letters[1].Title)
	}

	newest := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters?box=outbox&sort=newest", nil, alice))
	if len(newest.Letters) == 0 || newest.Letters[0].Title != "l2" {
		t.Errorf("explicit sort ignored: %+v", newest.Letters)
	}

	all := decode[listResponse](t, env.do(t, http.MethodGet, "/api/letters", nil, alice))
	if len(all.Letters) == 0 || all.Letters[0].Title != "l2" {
		t.Errorf("default listing should be newest first: %+v", all.Letters)
	}
}

func TestRespondErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		err  error
		want int
	}{
		{letter.ErrNotFound, http.StatusNotFound},
		{letter.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("%w: draft to delivered", letter.ErrInvalidTransition), http.StatusConflict},
		{letter.ErrNotDue, http.StatusConflict},
		{letter.ErrInvalidLetter, http.StatusBadRequest},
		{fmt.Errorf("load: %w: %w", letter.ErrStoreUnavailable, errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		env.server.respondError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		if rec.Code != tt.want {
			t.Errorf("%v: status %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	rec := env.do(t, http.MethodPost, "/api/letters", letterRequest{Recipient: "bob@example.com", Title: "m"}, alice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("health: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/ready", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("ready: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `slowpost_letter_transitions_total{status="draft"} 1`) {
		t.Errorf("metrics missing draft transition:\n%s", rec.Body.String())
	}

	env.store.Close()
	if rec := env.do(t, http.MethodGet, "/ready", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with closed store: status %d", rec.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)
	bob := env.login(t, "bob@example.com")
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.AddCookie(bob)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != "event: ready\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	stream := notify.NewStream(env.hub)
	delivered := letter.Letter{ID: "l1", Status: letter.StatusDelivered, Author: "alice@example.com", Recipient: "bob@example.com", Owner: "bob@example.com"}
	if err := stream.Notify(context.Background(), notify.EventDelivered, delivered); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"id":"l1"`) {
			break
		}
	}
}
