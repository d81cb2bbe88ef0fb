package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/slowpost/internal/auth"
	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/notify"
	"github.io/infrasutra/slowpost/internal/pagination"
)

type letterRequest struct {
	Recipient  string `json:"recipient"`
	Title      string `json:"title"`
	Date       string `json:"date"`
	Opener     string `json:"opener"`
	Body       string `json:"body"`
	Closer     string `json:"closer"`
	Signature  string `json:"signature"`
	Postscript string `json:"postscript"`
}

func (r letterRequest) content() letter.Content {
	return letter.Content{
		Title:      strings.TrimSpace(r.Title),
		Date:       r.Date,
		Opener:     r.Opener,
		Body:       r.Body,
		Closer:     r.Closer,
		Signature:  r.Signature,
		Postscript: r.Postscript,
	}
}

type letterResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Author     string `json:"author"`
	Recipient  string `json:"recipient"`
	Owner      string `json:"owner"`
	Title      string `json:"title"`
	Date       string `json:"date"`
	Opener     string `json:"opener"`
	Body       string `json:"body"`
	Closer     string `json:"closer"`
	Signature  string `json:"signature"`
	Postscript string `json:"postscript"`
	SentAt     string `json:"sentAt,omitempty"`
	DeliveryAt string `json:"deliveryAt,omitempty"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type letterSummary struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Author     string `json:"author"`
	Recipient  string `json:"recipient"`
	Title      string `json:"title"`
	DeliveryAt string `json:"deliveryAt,omitempty"`
	UpdatedAt  string `json:"updatedAt"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toResponse(l letter.Letter) letterResponse {
	return letterResponse{
		ID:         l.ID,
		Status:     string(l.Status),
		Author:     l.Author,
		Recipient:  l.Recipient,
		Owner:      l.Owner,
		Title:      l.Title,
		Date:       l.Date,
		Opener:     l.Opener,
		Body:       l.Body,
		Closer:     l.Closer,
		Signature:  l.Signature,
		Postscript: l.Postscript,
		SentAt:     formatTime(l.SentAt),
		DeliveryAt: formatTime(l.DeliveryAt),
		CreatedAt:  formatTime(&l.CreatedAt),
		UpdatedAt:  formatTime(&l.UpdatedAt),
	}
}

func toSummary(l letter.Letter) letterSummary {
	return letterSummary{
		ID:         l.ID,
		Status:     string(l.Status),
		Author:     l.Author,
		Recipient:  l.Recipient,
		Title:      l.Title,
		DeliveryAt: formatTime(l.DeliveryAt),
		UpdatedAt:  formatTime(&l.UpdatedAt),
	}
}

func (s *Server) handleLetters(w http.ResponseWriter, r *http.Request) {
	email, err := s.sessionEmail(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r, email)
	case http.MethodPost:
		s.handleCreate(w, r, email)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, email string) {
	box, ok := letter.ParseBox(r.URL.Query().Get("box"))
	if !ok {
		http.Error(w, "invalid box", http.StatusBadRequest)
		return
	}
	opts := []pagination.Option{pagination.WithDefaultLimit(int32(s.cfg.PageSize))}
	if box == letter.BoxOutbox {
		// Outbox reads as a queue: the next letter to arrive comes first.
		opts = append(opts, pagination.WithDefaultSort(pagination.SortOldest))
	}
	page := pagination.FromQuery(r.URL.Query(), opts...)
	letters, total, err := s.letters.List(r.Context(), letter.ListQuery{
		User:   email,
		Box:    box,
		Oldest: page.Oldest(),
		Offset: page.Offset,
		Limit:  page.Limit,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	response := struct {
		Letters []letterSummary `json:"letters"`
		Box     string          `json:"box"`
		Page    int32           `json:"page"`
		Limit   int32           `json:"limit"`
		Total   int32           `json:"total"`
		HasNext bool            `json:"hasNext"`
	}{
		Letters: make([]letterSummary, 0, len(letters)),
		Box:     string(box),
		Page:    page.Page,
		Limit:   page.Limit,
		Total:   total,
		HasNext: page.HasNext(total),
	}
	for _, l := range letters {
		response.Letters = append(response.Letters, toSummary(l))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, email string) {
	var payload letterRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	recipient, err := auth.NormalizeEmail(payload.Recipient)
	if err != nil {
		http.Error(w, "recipient: "+err.Error(), http.StatusBadRequest)
		return
	}
	l, err := s.letters.CreateDraft(r.Context(), email, recipient, payload.content())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.Transition(letter.StatusDraft)
	s.announce(r.Context(), notify.EventDraft, l)
	s.respondJSON(w, http.StatusCreated, toResponse(l))
}

func (s *Server) handleLetter(w http.ResponseWriter, r *http.Request) {
	email, err := s.sessionEmail(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/letters/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleOpen(w, r, email, id)
		case http.MethodPut:
			s.handleUpdate(w, r, email, id)
		case http.MethodDelete:
			s.handleDelete(w, r, email, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "send":
			s.handleSend(w, r, email, id)
			return
		case "read":
			s.handleRead(w, r, email, id)
			return
		}
	}

	http.NotFound(w, r)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, email, id string) {
	l, read, err := s.letters.Open(r.Context(), id, email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if read {
		s.metrics.Transition(letter.StatusRead)
		s.announce(r.Context(), notify.EventRead, l)
	}
	s.respondJSON(w, http.StatusOK, toResponse(l))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, email, id string) {
	var payload letterRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	l, err := s.letters.UpdateDraft(r.Context(), id, email, payload.content())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toResponse(l))
}

// handleDelete removes a draft. Letters that have been sent are part of the
// recipient's post and cannot be deleted.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, email, id string) {
	l, err := s.letters.Get(r.Context(), id, email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if l.Author != email {
		s.respondError(w, r, letter.ErrUnauthorized)
		return
	}
	if l.Status != letter.StatusDraft {
		http.Error(w, "only drafts can be deleted", http.StatusConflict)
		return
	}
	deleted, err := s.store.DeleteDraft(r.Context(), id, email)
	if err != nil {
		s.logger.Error("delete draft", "id", id, "error", err)
		http.Error(w, "unable to delete", http.StatusServiceUnavailable)
		return
	}
	if !deleted {
		http.Error(w, "only drafts can be deleted", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, email, id string) {
	l, err := s.letters.Send(r.Context(), id, email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.Transition(letter.StatusSent)
	s.announce(r.Context(), notify.EventSent, l)
	s.logger.Info("letter sent", "id", l.ID, "deliveryAt", formatTime(l.DeliveryAt))
	s.respondJSON(w, http.StatusOK, toResponse(l))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, email, id string) {
	if _, err := s.letters.Get(r.Context(), id, email); err != nil {
		s.respondError(w, r, err)
		return
	}
	l, read, err := s.letters.MarkRead(r.Context(), id, email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if read {
		s.metrics.Transition(letter.StatusRead)
		s.announce(r.Context(), notify.EventRead, l)
	}
	s.respondJSON(w, http.StatusOK, toResponse(l))
}
