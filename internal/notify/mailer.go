package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/slowpost/internal/letter"
)

const (
	DefaultMailTimeout   = 10 * time.Second
	DefaultMailQueueSize = 64
)

var (
	ErrMailerClosed  = errors.New("mailer closed")
	ErrMailQueueFull = errors.New("mail queue full")
)

// Mailer e-mails recipients when a letter arrives for them. Notices are
// queued and sent by a single worker, so a slow relay never holds up the
// caller.
type Mailer struct {
	addr     string
	from     string
	auth     sasl.Client
	startTLS bool
	tls      *tls.Config
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan letter.Letter
	done   chan struct{}
}

type MailerConfig struct {
	Addr     string
	From     string
	Username string
	Password string
	// StartTLS upgrades the relay connection before authenticating. The
	// relay must advertise STARTTLS.
	StartTLS  bool
	TLSConfig *tls.Config
	// Timeout bounds one notice from dial to QUIT.
	Timeout   time.Duration
	QueueSize int
}

func NewMailer(cfg MailerConfig, logger *slog.Logger) *Mailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMailTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultMailQueueSize
	}
	m := &Mailer{
		addr:     cfg.Addr,
		from:     cfg.From,
		startTLS: cfg.StartTLS,
		tls:      cfg.TLSConfig,
		timeout:  cfg.Timeout,
		logger:   logger,
		now:      time.Now,
		queue:    make(chan letter.Letter, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	if cfg.Username != "" {
		m.auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	go m.run()
	return m
}

// Notify queues a notice for delivered letters and ignores other events.
func (m *Mailer) Notify(_ context.Context, event Event, l letter.Letter) error {
	if event != EventDelivered {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailerClosed
	}
	select {
	case m.queue <- l:
		return nil
	default:
		return fmt.Errorf("notice for %s: %w", l.ID, ErrMailQueueFull)
	}
}

// Close stops accepting notices and waits for queued ones to be attempted.
func (m *Mailer) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

func (m *Mailer) run() {
	defer close(m.done)
	for l := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := m.deliverNotice(ctx, l); err != nil {
			m.logger.Warn("delivery notice", "id", l.ID, "to", l.Recipient, "error", err)
		} else {
			m.logger.Debug("delivery notice sent", "id", l.ID, "to", l.Recipient)
		}
		cancel()
	}
}

func (m *Mailer) deliverNotice(ctx context.Context, l letter.Letter) error {
	raw, err := m.compose(l)
	if err != nil {
		return err
	}
	if err := m.send(ctx, []string{l.Recipient}, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("send delivery notice: %w: %w", ctxErr, err)
		}
		return fmt.Errorf("send delivery notice: %w", err)
	}
	return nil
}

// send closes the connection as soon as ctx ends, which unblocks any
// pending read or write in the client.
func (m *Mailer) send(ctx context.Context, to []string, raw []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var c *smtp.Client
	if m.startTLS {
		c, err = smtp.NewClientStartTLS(conn, m.tlsConfig())
		if err != nil {
			conn.Close()
			return err
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()
	c.CommandTimeout = m.timeout
	c.SubmissionTimeout = m.timeout

	if err := c.Hello("slowpost"); err != nil {
		return err
	}
	if m.auth != nil {
		if err := c.Auth(m.auth); err != nil {
			return err
		}
	}
	if err := c.SendMail(m.from, to, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}

func (m *Mailer) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if m.tls != nil {
		cfg = m.tls.Clone()
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(m.addr)
		if err != nil {
			host = m.addr
		}
		cfg.ServerName = host
	}
	return cfg
}

func (m *Mailer) compose(l letter.Letter) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Name: "slowpost", Address: m.from}})
	h.SetAddressList("To", []*mail.Address{{Address: l.Recipient}})
	h.SetSubject(fmt.Sprintf("A letter from %s has arrived", l.Author))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create delivery notice: %w", err)
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s sent you a letter", l.Author)
	if title := strings.TrimSpace(l.Title); title != "" {
		fmt.Fprintf(&body, " titled %q", title)
	}
	if l.SentAt != nil {
		fmt.Fprintf(&body, " on %s", l.SentAt.UTC().Format("2 January 2006"))
	}
	body.WriteString(".\r\nSign in to read it.\r\n")
	if _, err := w.Write([]byte(body.String())); err != nil {
		return nil, fmt.Errorf("write delivery notice: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close delivery notice: %w", err)
	}
	return buf.Bytes(), nil
}
