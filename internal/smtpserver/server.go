// Package smtpserver accepts letters by e-mail: every message submitted to
// it becomes a draft written by the envelope sender.
package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/slowpost/internal/auth"
	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/metrics"
	"github.io/infrasutra/slowpost/internal/notify"
)

const (
	defaultDomain   = "slowpost"
	maxMessageBytes = 1 << 20
	dateLayout      = "2 January 2006"
)

var (
	errOneRecipient = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "a letter has exactly one recipient",
	}
	errNoRecipient = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "no valid recipient",
	}
	errStoreBusy = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "letter could not be stored, try again later",
	}
)

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Drafter creates draft letters.
type Drafter interface {
	CreateDraft(ctx context.Context, author, recipient string, content letter.Content) (letter.Letter, error)
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

type Option func(*backend)

func WithNotifier(n notify.Notifier) Option {
	return func(b *backend) { b.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *backend) { b.metrics = m }
}

func New(drafts Drafter, logger *slog.Logger, addr string, authCfg AuthConfig, opts ...Option) *Server {
	b := &backend{
		drafts:       drafts,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	for _, opt := range opts {
		opt(b)
	}
	server := smtp.NewServer(b)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 1
	server.MaxMessageBytes = maxMessageBytes

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp intake listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp intake listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	drafts       Drafter
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	author, err := auth.NormalizeEmail(from)
	if err != nil {
		return &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 1, 7}, Message: "sender address is not valid"}
	}
	s.from = author
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	if s.to != "" {
		return errOneRecipient
	}
	recipient, err := auth.NormalizeEmail(to)
	if err != nil {
		return &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "recipient address is not valid"}
	}
	s.to = recipient
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.to == "" {
		return errNoRecipient
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	content, err := parseLetter(raw)
	if err != nil {
		s.backend.logger.Warn("parse submitted letter", "from", s.from, "error", err)
	}

	ctx := context.Background()
	l, err := s.backend.drafts.CreateDraft(ctx, s.from, s.to, content)
	if err != nil {
		s.backend.logger.Error("store submitted letter", "from", s.from, "error", err)
		if errors.Is(err, letter.ErrStoreUnavailable) {
			return errStoreBusy
		}
		return err
	}
	s.backend.logger.Info("draft received by mail", "id", l.ID, "author", l.Author, "recipient", l.Recipient)
	s.backend.metrics.Transition(letter.StatusDraft)
	if s.backend.notifier != nil {
		if err := s.backend.notifier.Notify(ctx, notify.EventDraft, l); err != nil {
			s.backend.logger.Warn("notify draft", "id", l.ID, "error", err)
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = ""
}

func (s *session) Logout() error {
	return nil
}

// parseLetter maps a message onto letter content: the subject becomes the
// title and the plain text parts the body. Whatever was read before an
// error is returned with it.
func parseLetter(raw []byte) (letter.Content, error) {
	var content letter.Content
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return content, err
	}

	if subject, err := reader.Header.Subject(); err == nil {
		content.Title = strings.TrimSpace(subject)
	}
	if date, err := reader.Header.Date(); err == nil && !date.IsZero() {
		content.Date = date.Format(dateLayout)
	}

	var body []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			content.Body = strings.Join(body, "\n")
			return content, fmt.Errorf("read part: %w", err)
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if mediaType != "" && !strings.HasPrefix(mediaType, "text/plain") {
			continue
		}
		text, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		body = append(body, strings.TrimRight(string(text), "\r\n"))
	}
	content.Body = strings.Join(body, "\n")
	return content, nil
}
