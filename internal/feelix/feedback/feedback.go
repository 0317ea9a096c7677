// Package feedback stores the free-text feedback users leave through the
// menu and exports it for admins.
package feedback

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

// ErrEmpty is returned by Add for blank feedback.
var ErrEmpty = errors.New("feedback: text is empty")

// ExportFilename is the document name used when feedback is sent to admins.
const ExportFilename = "feedbacks.txt"

// Feedback is one submission.
type Feedback struct {
	ID        int64
	UserID    int64
	Username  string
	Text      string
	CreatedAt time.Time
}

// Store persists feedback in the feedback table.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewStore creates a Store.
func NewStore(db *sql.DB, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, clock: clock.OrSystem(clk), logger: logger}
}

// Add stores one submission.
func (s *Store) Add(ctx context.Context, userID int64, username, text string) (Feedback, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Feedback{}, ErrEmpty
	}
	f := Feedback{UserID: userID, Username: username, Text: text, CreatedAt: s.clock.Now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_id, username, text, created_at) VALUES (?, ?, ?, ?)`,
		f.UserID, f.Username, f.Text, f.CreatedAt.UnixMilli())
	if err != nil {
		return Feedback{}, store.Wrap("add feedback", err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return Feedback{}, store.Wrap("add feedback", err)
	}
	s.logger.Info("feedback: received", "user", redact.UserTag(userID), "chars", len([]rune(text)))
	return f, nil
}

// List returns every submission, oldest first.
func (s *Store) List(ctx context.Context) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, username, text, created_at FROM feedback ORDER BY created_at, id`)
	if err != nil {
		return nil, store.Wrap("list feedback", err)
	}
	defer rows.Close()
	var out []Feedback
	for rows.Next() {
		var (
			f  Feedback
			ts int64
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Username, &f.Text, &ts); err != nil {
			return nil, store.Wrap("list feedback", err)
		}
		f.CreatedAt = store.UnixMillis(ts)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list feedback", err)
	}
	return out, nil
}

// Export renders every submission as one line of text. It returns nil when
// there is no feedback yet.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	var b bytes.Buffer
	for _, f := range all {
		name := f.Username
		if name == "" {
			name = "unknown_user"
		}
		fmt.Fprintf(&b, "[%s] User %d (%s): %s\n", f.CreatedAt.Format("02/01/06 15:04"), f.UserID, name, f.Text)
	}
	return b.Bytes(), nil
}
