// Package ledger stores each user's conversation history: the ordered
// messages sent to the model as context, their summarization lifecycle and
// the insert-only archive that cleared histories move into.
//
// Every ledger starts with the persona prompt as a System message and an
// optional one-line gender hint. Reset replaces the history with that
// preamble plus a condensed summary; Clear archives it and reseeds.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/crypto"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/keylock"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

// DefaultSummarizeThreshold is the hard size limit, in characters, above
// which a ledger is summarized.
const DefaultSummarizeThreshold = 50000

// Config configures a Ledger.
type Config struct {
	// Persona is the System prompt at index 0 of every ledger.
	Persona string
	// SummaryPreamble prefixes the condensed summary written by Reset.
	SummaryPreamble string
	// SummarizeThreshold is the hard limit checked by Append.
	SummarizeThreshold int
	// Hint returns the gender hint for a user's first-contact seed, or "".
	// Optional.
	Hint func(ctx context.Context, userID int64) string
}

// AppendResult describes the ledger after an append.
type AppendResult struct {
	Total     int
	OverLimit bool
}

// Ledger is the durable history repository. It is safe for concurrent
// use; operations on one user are serialized.
type Ledger struct {
	db     *sql.DB
	cfg    Config
	sealer *crypto.Sealer
	clock  clock.Clock
	logger *slog.Logger
	locks  keylock.Map

	mu    sync.RWMutex
	cache map[int64][]dialog.Message
}

// New creates a Ledger. sealer may be nil, in which case histories are
// stored in plain JSON.
func New(db *sql.DB, cfg Config, sealer *crypto.Sealer, clk clock.Clock, logger *slog.Logger) *Ledger {
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		cfg:    cfg,
		sealer: sealer,
		clock:  clock.OrSystem(clk),
		logger: logger,
		cache:  make(map[int64][]dialog.Message),
	}
}

// Threshold returns the summarization threshold.
func (l *Ledger) Threshold() int { return l.cfg.SummarizeThreshold }

// Load returns the user's history, seeding and persisting the persona
// preamble on first contact. The returned slice is a copy.
func (l *Ledger) Load(ctx context.Context, userID int64) ([]dialog.Message, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()
	msgs, err := l.loadOrSeed(ctx, userID)
	if err != nil {
		return nil, err
	}
	return clone(msgs), nil
}

// Size returns the total character count of the user's history.
func (l *Ledger) Size(ctx context.Context, userID int64) (int, error) {
	msgs, err := l.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return dialog.TotalLen(msgs), nil
}

// Append adds one message. OverLimit reports whether the history now
// exceeds the summarization threshold; the message is stored either way.
func (l *Ledger) Append(ctx context.Context, userID int64, role dialog.Role, content string) (AppendResult, error) {
	if !role.Valid() {
		return AppendResult{}, errors.New("ledger: append with zero role")
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	msgs, err := l.loadOrSeed(ctx, userID)
	if err != nil {
		return AppendResult{}, err
	}
	next := append(clone(msgs), dialog.Message{Role: role, Content: content, Timestamp: l.clock.Now()})
	if err := l.save(ctx, userID, next); err != nil {
		return AppendResult{}, err
	}
	total := dialog.TotalLen(next)
	return AppendResult{Total: total, OverLimit: total > l.cfg.SummarizeThreshold}, nil
}

// Reset replaces the history with the persona, the gender hint when
// non-empty, and the summary note.
func (l *Ledger) Reset(ctx context.Context, userID int64, summary, genderHint string) error {
	unlock := l.locks.Lock(userID)
	defer unlock()

	now := l.clock.Now()
	msgs := l.preamble(genderHint)
	msgs = append(msgs, dialog.Message{Role: dialog.System, Content: l.cfg.SummaryPreamble + summary, Timestamp: now})
	if err := l.save(ctx, userID, msgs); err != nil {
		return err
	}
	l.logger.Info("ledger: reset with summary", "user", redact.UserTag(userID), "size", dialog.TotalLen(msgs))
	return nil
}

// Clear moves the current history into the archive and reseeds the
// first-contact state. It returns the archive id, or "" when there was
// no history to archive.
func (l *Ledger) Clear(ctx context.Context, userID int64) (string, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	now := l.clock.Now()
	seed := l.preamble(l.hint(ctx, userID))
	seedBlob, err := l.encode(userID, seed)
	if err != nil {
		return "", err
	}

	var archiveID string
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var (
			blob   []byte
			sealed bool
			size   int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT messages, sealed, size_chars FROM ledgers WHERE user_id = ?`, userID,
		).Scan(&blob, &sealed, &size)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			archiveID = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_archive (id, user_id, messages, sealed, size_chars, archived_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				archiveID, userID, blob, sealed, size, now.UnixMilli())
			if err != nil {
				return err
			}
		}
		return upsert(ctx, tx, userID, seedBlob, l.sealer != nil, dialog.TotalLen(seed), now.UnixMilli())
	})
	if err != nil {
		l.forget(userID)
		return "", store.Wrap("clear ledger", err)
	}
	l.remember(userID, seed)
	l.logger.Info("ledger: cleared", "user", redact.UserTag(userID), "archive_id", archiveID)
	return archiveID, nil
}

// Wipe deletes the live history. Archived histories are kept.
func (l *Ledger) Wipe(ctx context.Context, userID int64) error {
	unlock := l.locks.Lock(userID)
	defer unlock()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM ledgers WHERE user_id = ?`, userID); err != nil {
		return store.Wrap("wipe ledger", err)
	}
	l.forget(userID)
	return nil
}

// Archived returns the archived histories of a user, oldest first.
func (l *Ledger) Archived(ctx context.Context, userID int64) ([][]dialog.Message, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT messages, sealed FROM ledger_archive WHERE user_id = ? ORDER BY archived_at, id`, userID)
	if err != nil {
		return nil, store.Wrap("list archive", err)
	}
	defer rows.Close()
	var out [][]dialog.Message
	for rows.Next() {
		var (
			blob   []byte
			sealed bool
		)
		if err := rows.Scan(&blob, &sealed); err != nil {
			return nil, store.Wrap("list archive", err)
		}
		msgs, err := l.decode(userID, blob, sealed)
		if err != nil {
			return nil, store.Wrap("list archive", err)
		}
		out = append(out, msgs)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list archive", err)
	}
	return out, nil
}

func (l *Ledger) preamble(genderHint string) []dialog.Message {
	now := l.clock.Now()
	msgs := []dialog.Message{{Role: dialog.System, Content: l.cfg.Persona, Timestamp: now}}
	if genderHint != "" {
		msgs = append(msgs, dialog.Message{Role: dialog.System, Content: genderHint, Timestamp: now})
	}
	return msgs
}

func (l *Ledger) hint(ctx context.Context, userID int64) string {
	if l.cfg.Hint == nil {
		return ""
	}
	return l.cfg.Hint(ctx, userID)
}

// loadOrSeed must be called with the user's lock held.
func (l *Ledger) loadOrSeed(ctx context.Context, userID int64) ([]dialog.Message, error) {
	l.mu.RLock()
	msgs, ok := l.cache[userID]
	l.mu.RUnlock()
	if ok {
		return msgs, nil
	}

	var (
		blob   []byte
		sealed bool
	)
	err := l.db.QueryRowContext(ctx, `SELECT messages, sealed FROM ledgers WHERE user_id = ?`, userID).Scan(&blob, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		seed := l.preamble(l.hint(ctx, userID))
		if err := l.save(ctx, userID, seed); err != nil {
			return nil, err
		}
		return seed, nil
	}
	if err != nil {
		return nil, store.Wrap("load ledger", err)
	}
	msgs, err = l.decode(userID, blob, sealed)
	if err != nil {
		return nil, store.Wrap("load ledger", err)
	}
	if refreshed, ok := l.refreshPersona(msgs); ok {
		if err := l.save(ctx, userID, refreshed); err != nil {
			return nil, err
		}
		l.logger.Info("ledger: refreshed persona prompt", "user", redact.UserTag(userID))
		return refreshed, nil
	}
	l.remember(userID, msgs)
	return msgs, nil
}

// refreshPersona rewrites index 0 to the configured persona when a stored
// history carries a different one. Other messages are kept.
func (l *Ledger) refreshPersona(msgs []dialog.Message) ([]dialog.Message, bool) {
	if len(msgs) > 0 && msgs[0].Role == dialog.System {
		if msgs[0].Content == l.cfg.Persona {
			return nil, false
		}
		out := clone(msgs)
		out[0].Content = l.cfg.Persona
		return out, true
	}
	head := dialog.Message{Role: dialog.System, Content: l.cfg.Persona, Timestamp: l.clock.Now()}
	return append([]dialog.Message{head}, msgs...), true
}

func (l *Ledger) save(ctx context.Context, userID int64, msgs []dialog.Message) error {
	blob, err := l.encode(userID, msgs)
	if err != nil {
		return err
	}
	if err := upsert(ctx, l.db, userID, blob, l.sealer != nil, dialog.TotalLen(msgs), l.clock.Now().UnixMilli()); err != nil {
		l.forget(userID)
		return store.Wrap("save ledger", err)
	}
	l.remember(userID, msgs)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, userID int64, blob []byte, sealed bool, size int, at int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledgers (user_id, messages, sealed, size_chars, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			messages   = excluded.messages,
			sealed     = excluded.sealed,
			size_chars = excluded.size_chars,
			updated_at = excluded.updated_at`,
		userID, blob, sealed, size, at)
	return err
}

func (l *Ledger) encode(userID int64, msgs []dialog.Message) ([]byte, error) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode: %w", err)
	}
	if l.sealer == nil {
		return raw, nil
	}
	sealed, err := l.sealer.Seal(raw, userAD(userID))
	if err != nil {
		return nil, store.Wrap("seal ledger", err)
	}
	return sealed, nil
}

func (l *Ledger) decode(userID int64, blob []byte, sealed bool) ([]dialog.Message, error) {
	if sealed {
		if l.sealer == nil {
			return nil, errors.New("ledger: history is sealed but no master key is configured")
		}
		var err error
		if blob, err = l.sealer.Open(blob, userAD(userID)); err != nil {
			return nil, err
		}
	}
	var msgs []dialog.Message
	if err := json.Unmarshal(blob, &msgs); err != nil {
		return nil, fmt.Errorf("ledger: decode: %w", err)
	}
	return msgs, nil
}

func userAD(userID int64) []byte {
	return []byte("ledger:" + strconv.FormatInt(userID, 10))
}

func (l *Ledger) remember(userID int64, msgs []dialog.Message) {
	l.mu.Lock()
	l.cache[userID] = msgs
	l.mu.Unlock()
}

func (l *Ledger) forget(userID int64) {
	l.mu.Lock()
	delete(l.cache, userID)
	l.mu.Unlock()
}

func clone(msgs []dialog.Message) []dialog.Message {
	out := make([]dialog.Message, len(msgs))
	copy(out, msgs)
	return out
}
