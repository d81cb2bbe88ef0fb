package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.io/infrasutra/slowpost/internal/letter"
)

type Store struct {
	db *sql.DB
}

var _ letter.Repository = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps an in-memory
	// database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            email TEXT PRIMARY KEY,
            created_at INTEGER NOT NULL,
            last_login INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS letters (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL CHECK (status IN ('draft', 'sent', 'delivered', 'read')),
            title TEXT NOT NULL,
            date_line TEXT NOT NULL DEFAULT '',
            opener TEXT NOT NULL DEFAULT '',
            body TEXT NOT NULL,
            closer TEXT NOT NULL DEFAULT '',
            signature TEXT NOT NULL DEFAULT '',
            postscript TEXT NOT NULL DEFAULT '',
            author TEXT NOT NULL,
            recipient TEXT NOT NULL,
            owner TEXT NOT NULL,
            sent_at INTEGER,
            delivery_at INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK (delivery_at IS NULL OR delivery_at >= sent_at)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_letters_status_delivery ON letters(status, delivery_at);`,
		`CREATE INDEX IF NOT EXISTS idx_letters_author_status ON letters(author, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_letters_owner_status ON letters(owner, status, created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, email string, now time.Time) error {
	query := `INSERT INTO users (email, created_at, last_login)
        VALUES (?, ?, ?)
        ON CONFLICT(email) DO UPDATE SET last_login = excluded.last_login;`
	_, err := s.db.ExecContext(ctx, query, email, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, email string) (User, error) {
	var user User
	var createdAt, lastLogin int64
	row := s.db.QueryRowContext(ctx, `SELECT email, created_at, last_login FROM users WHERE email = ?;`, email)
	if err := row.Scan(&user.Email, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, sql.ErrNoRows
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromUnix(createdAt)
	user.LastLogin = fromUnix(lastLogin)
	return user, nil
}

func (s *Store) Create(ctx context.Context, l letter.Letter) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO letters
        (id, status, title, date_line, opener, body, closer, signature, postscript,
         author, recipient, owner, sent_at, delivery_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		l.ID,
		string(l.Status),
		l.Title,
		l.Date,
		l.Opener,
		l.Body,
		l.Closer,
		l.Signature,
		l.Postscript,
		l.Author,
		l.Recipient,
		l.Owner,
		nullableUnix(l.SentAt),
		nullableUnix(l.DeliveryAt),
		l.CreatedAt.Unix(),
		l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert letter: %w", err)
	}
	return nil
}

const letterColumns = `id, status, title, date_line, opener, body, closer, signature, postscript,
    author, recipient, owner, sent_at, delivery_at, created_at, updated_at`

func (s *Store) FindByID(ctx context.Context, id string) (letter.Letter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+letterColumns+` FROM letters WHERE id = ?;`, id)
	l, err := scanLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return letter.Letter{}, letter.ErrNotFound
		}
		return letter.Letter{}, fmt.Errorf("get letter: %w", err)
	}
	return l, nil
}

func (s *Store) FindSentPastDeadline(ctx context.Context, now time.Time) ([]letter.Letter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+letterColumns+` FROM letters
        WHERE status = ? AND delivery_at <= ?
        ORDER BY delivery_at, id;`, string(letter.StatusSent), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("find due letters: %w", err)
	}
	defer rows.Close()
	return collectLetters(rows, "find due letters")
}

// ConditionalUpdateStatus moves a letter from expected to next in a single
// statement. It reports false when the stored status no longer matches.
func (s *Store) ConditionalUpdateStatus(ctx context.Context, id string, expected, next letter.Status, fields letter.Update) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE letters SET
            status = ?,
            sent_at = COALESCE(?, sent_at),
            delivery_at = COALESCE(?, delivery_at),
            owner = COALESCE(NULLIF(?, ''), owner),
            updated_at = ?
        WHERE id = ? AND status = ?;`,
		string(next),
		nullableUnix(fields.SentAt),
		nullableUnix(fields.DeliveryAt),
		fields.Owner,
		fields.UpdatedAt.Unix(),
		id,
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update letter status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update letter status: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) UpdateContent(ctx context.Context, id, author string, content letter.Content, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE letters SET
            title = ?, date_line = ?, opener = ?, body = ?, closer = ?, signature = ?, postscript = ?,
            updated_at = ?
        WHERE id = ? AND author = ? AND status = ?;`,
		content.Title,
		content.Date,
		content.Opener,
		content.Body,
		content.Closer,
		content.Signature,
		content.Postscript,
		now.Unix(),
		id,
		author,
		string(letter.StatusDraft),
	)
	if err != nil {
		return false, fmt.Errorf("update letter content: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update letter content: %w", err)
	}
	return rows > 0, nil
}

// DeleteDraft removes a draft written by author. Letters that have been
// sent are never deleted.
func (s *Store) DeleteDraft(ctx context.Context, id, author string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM letters WHERE id = ? AND author = ? AND status = ?;`,
		id, author, string(letter.StatusDraft))
	if err != nil {
		return false, fmt.Errorf("delete letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete letter: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) List(ctx context.Context, q letter.ListQuery) ([]letter.Letter, int32, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	draft := string(letter.StatusDraft)
	sent := string(letter.StatusSent)
	delivered := string(letter.StatusDelivered)
	read := string(letter.StatusRead)

	var whereQuery string
	var args []any
	switch q.Box {
	case letter.BoxDrafts:
		whereQuery = " WHERE author = ? AND status = ?"
		args = append(args, q.User, draft)
	case letter.BoxOutbox:
		whereQuery = " WHERE author = ? AND status = ?"
		args = append(args, q.User, sent)
	case letter.BoxInbox:
		whereQuery = " WHERE owner = ? AND status IN (?, ?)"
		args = append(args, q.User, delivered, read)
	default:
		whereQuery = " WHERE (author = ? AND status = ?) OR (owner = ? AND status IN (?, ?))"
		args = append(args, q.User, draft, q.User, delivered, read)
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM letters"+whereQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count letters: %w", err)
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	if q.Oldest {
		orderBy = " ORDER BY created_at ASC, id ASC"
	}
	listArgs := append([]any{}, args...)
	listArgs = append(listArgs, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, "SELECT "+letterColumns+" FROM letters"+whereQuery+orderBy+" LIMIT ? OFFSET ?", listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list letters: %w", err)
	}
	defer rows.Close()
	letters, err := collectLetters(rows, "list letters")
	if err != nil {
		return nil, 0, err
	}
	return letters, int32(totalCount), nil
}

// CountByStatus returns the number of stored letters in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[letter.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM letters GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count letters by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[letter.Status]int, len(letter.Statuses))
	for _, status := range letter.Statuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count letters by status: %w", err)
		}
		counts[letter.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count letters by status: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLetter(row rowScanner) (letter.Letter, error) {
	var l letter.Letter
	var status string
	var sentAt, deliveryAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&l.ID,
		&status,
		&l.Title,
		&l.Date,
		&l.Opener,
		&l.Body,
		&l.Closer,
		&l.Signature,
		&l.Postscript,
		&l.Author,
		&l.Recipient,
		&l.Owner,
		&sentAt,
		&deliveryAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return letter.Letter{}, err
	}
	parsed, err := letter.ParseStatus(status)
	if err != nil {
		return letter.Letter{}, err
	}
	l.Status = parsed
	l.SentAt = timeFromNull(sentAt)
	l.DeliveryAt = timeFromNull(deliveryAt)
	l.CreatedAt = fromUnix(createdAt)
	l.UpdatedAt = fromUnix(updatedAt)
	return l, nil
}

func collectLetters(rows *sql.Rows, op string) ([]letter.Letter, error) {
	var letters []letter.Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return letters, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
