package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/keylock"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

// ErrTrialUsed is returned by ConsumeTrial for users who already had it.
var ErrTrialUsed = errors.New("entitlement: free trial already used")

// ErrInvalidDuration is returned by MarkPremium for non-positive grants.
var ErrInvalidDuration = errors.New("entitlement: premium duration must be positive")

const day = 24 * time.Hour

// Config holds the entitlement limits.
type Config struct {
	// DailyBudget is the character budget per window for non-premium
	// users. Zero disables the lockout.
	DailyBudget int
	// WindowLength is the usage window and lockout length. Defaults to 24h.
	WindowLength time.Duration
	// TrialDays is the premium length granted by ConsumeTrial. Defaults to 30.
	TrialDays int
}

// Store is the durable entitlement repository. Reads go through an
// in-process cache; every mutation is written to SQLite before it becomes
// visible in the cache.
type Store struct {
	db     *sql.DB
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	locks  keylock.Map

	mu    sync.RWMutex
	cache map[int64]Record
}

// NewStore creates a Store over db (migrated by package store).
func NewStore(db *sql.DB, cfg Config, clk clock.Clock, logger *slog.Logger) *Store {
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = day
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		clock:  clock.OrSystem(clk),
		logger: logger,
		cache:  make(map[int64]Record),
	}
}

// Config returns the limits the store was built with.
func (s *Store) Config() Config { return s.cfg }

// Now returns the store clock's time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Get returns the user's record, creating a default one on first access.
// Expired premium is purged and an expired usage window is reset; both
// are persisted before Get returns.
func (s *Store) Get(ctx context.Context, userID int64) (Record, error) {
	return s.update(ctx, userID, nil)
}

// Put replaces the whole record atomically.
func (s *Store) Put(ctx context.Context, rec Record) error {
	unlock := s.locks.Lock(rec.UserID)
	defer unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	return s.save(ctx, rec)
}

// MarkPremium grants premium until now + days.
func (s *Store) MarkPremium(ctx context.Context, userID int64, days int) (Record, error) {
	if days <= 0 {
		return Record{}, ErrInvalidDuration
	}
	return s.update(ctx, userID, func(r *Record, now time.Time) error {
		r.PremiumUntil = now.Add(time.Duration(days) * day)
		return nil
	})
}

// ConsumeTrial marks the trial used and grants TrialDays of premium.
func (s *Store) ConsumeTrial(ctx context.Context, userID int64) (Record, error) {
	return s.update(ctx, userID, func(r *Record, now time.Time) error {
		if r.FreeTrialUsed {
			return ErrTrialUsed
		}
		r.FreeTrialUsed = true
		r.PremiumUntil = now.Add(time.Duration(s.cfg.TrialDays) * day)
		return nil
	})
}

// RecordUsage adds delta characters to the current window, opening a new
// window first when the previous one expired. When the addition crosses
// DailyBudget the window restarts at now, which starts the lockout;
// lockoutOpened reports that transition.
func (s *Store) RecordUsage(ctx context.Context, userID int64, delta int) (rec Record, lockoutOpened bool, err error) {
	if delta < 0 {
		return Record{}, false, fmt.Errorf("entitlement: negative usage delta %d", delta)
	}
	rec, err = s.update(ctx, userID, func(r *Record, now time.Time) error {
		if r.Usage.Window.Expired(now) {
			r.Usage = Usage{Window: OpenWindow(now, s.cfg.WindowLength)}
		}
		before := r.Usage.Chars
		r.Usage.Chars += delta
		if s.cfg.DailyBudget > 0 && before < s.cfg.DailyBudget && r.Usage.Chars >= s.cfg.DailyBudget {
			r.Usage.Window = OpenWindow(now, s.cfg.WindowLength)
			lockoutOpened = true
		}
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	if lockoutOpened {
		s.logger.Info("entitlement: daily budget exhausted",
			"user", redact.UserTag(userID), "chars", rec.Usage.Chars, "reset_at", rec.Usage.Window.ResetAt)
	}
	return rec, lockoutOpened, nil
}

// TouchActivity sets LastActiveAt to now.
func (s *Store) TouchActivity(ctx context.Context, userID int64) error {
	_, err := s.update(ctx, userID, func(r *Record, now time.Time) error {
		r.LastActiveAt = now
		return nil
	})
	return err
}

// MarkNudged records that a re-engagement message reached the user, so
// the sweep skips them until they are active again.
func (s *Store) MarkNudged(ctx context.Context, userID int64) error {
	_, err := s.update(ctx, userID, func(r *Record, now time.Time) error {
		r.NudgedAt = now
		return nil
	})
	return err
}

// ExcludeFromSweep removes the user from proactive contact for good. They
// can still start conversations themselves.
func (s *Store) ExcludeFromSweep(ctx context.Context, userID int64) error {
	_, err := s.update(ctx, userID, func(r *Record, _ time.Time) error {
		r.SweepExcluded = true
		return nil
	})
	return err
}

// SetGender stores the onboarding answer.
func (s *Store) SetGender(ctx context.Context, userID int64, g Gender) (Record, error) {
	if _, err := ParseGender(string(g)); err != nil {
		return Record{}, err
	}
	return s.update(ctx, userID, func(r *Record, _ time.Time) error {
		r.Gender = g
		return nil
	})
}

// SetUsername stores the transport username used in exports.
func (s *Store) SetUsername(ctx context.Context, userID int64, username string) error {
	_, err := s.update(ctx, userID, func(r *Record, _ time.Time) error {
		r.Username = username
		return nil
	})
	return err
}

// ListInactive returns users whose last activity is older than threshold
// and who have not been nudged since. Users without a record, without any
// activity, or excluded from the sweep are never returned.
func (s *Store) ListInactive(ctx context.Context, threshold time.Duration) ([]int64, error) {
	cutoff := s.clock.Now().Add(-threshold).UnixMilli()
	return s.queryIDs(ctx, "list inactive", `
		SELECT user_id FROM entitlements
		WHERE sweep_excluded = 0
		  AND last_active_at IS NOT NULL
		  AND last_active_at < ?
		  AND (nudged_at IS NULL OR nudged_at < last_active_at)
		ORDER BY last_active_at`, cutoff)
}

// ListReachable returns every user not excluded from proactive contact.
func (s *Store) ListReachable(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, "list reachable", `
		SELECT user_id FROM entitlements WHERE sweep_excluded = 0 ORDER BY user_id`)
}

// Wipe deletes the user's record. The next Get starts from defaults.
func (s *Store) Wipe(ctx context.Context, userID int64) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entitlements WHERE user_id = ?`, userID); err != nil {
		return store.Wrap("wipe entitlement", err)
	}
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
	return nil
}

// update loads the record under the user's lock, normalizes it, applies
// fn, and persists the result when anything changed.
func (s *Store) update(ctx context.Context, userID int64, fn func(*Record, time.Time) error) (Record, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	now := s.clock.Now()
	rec, found, err := s.load(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	dirty := !found
	if !found {
		rec = Record{UserID: userID, CreatedAt: now}
	}
	if rec.normalize(now) {
		dirty = true
	}
	if fn != nil {
		if err := fn(&rec, now); err != nil {
			return Record{}, err
		}
		dirty = true
	}
	if dirty {
		if err := s.save(ctx, rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, userID int64) (Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	var (
		premiumUntil, windowResetAt, lastActive, nudged sql.NullInt64
		trial, excluded                                 bool
		gender                                          string
		createdAt                                       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, gender, premium_until, free_trial_used, usage_chars,
		       window_reset_at, last_active_at, nudged_at, sweep_excluded, created_at
		FROM entitlements WHERE user_id = ?`, userID,
	).Scan(&rec.Username, &gender, &premiumUntil, &trial, &rec.Usage.Chars,
		&windowResetAt, &lastActive, &nudged, &excluded, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, store.Wrap("load entitlement", err)
	}
	g, err := ParseGender(gender)
	if err != nil {
		return Record{}, false, store.Wrap("load entitlement", err)
	}
	rec.UserID = userID
	rec.Gender = g
	rec.PremiumUntil = store.FromMillis(premiumUntil)
	rec.FreeTrialUsed = trial
	rec.Usage.Window = Window{ResetAt: store.FromMillis(windowResetAt)}
	rec.LastActiveAt = store.FromMillis(lastActive)
	rec.NudgedAt = store.FromMillis(nudged)
	rec.SweepExcluded = excluded
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()

	s.mu.Lock()
	s.cache[userID] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// save writes every column of rec. The cache is only updated once the
// row is durable.
func (s *Store) save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (
			user_id, username, gender, premium_until, free_trial_used, usage_chars,
			window_reset_at, last_active_at, nudged_at, sweep_excluded, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username        = excluded.username,
			gender          = excluded.gender,
			premium_until   = excluded.premium_until,
			free_trial_used = excluded.free_trial_used,
			usage_chars     = excluded.usage_chars,
			window_reset_at = excluded.window_reset_at,
			last_active_at  = excluded.last_active_at,
			nudged_at       = excluded.nudged_at,
			sweep_excluded  = excluded.sweep_excluded,
			updated_at      = excluded.updated_at`,
		rec.UserID, rec.Username, string(rec.Gender), store.Millis(rec.PremiumUntil), rec.FreeTrialUsed,
		rec.Usage.Chars, store.Millis(rec.Usage.Window.ResetAt), store.Millis(rec.LastActiveAt),
		store.Millis(rec.NudgedAt), rec.SweepExcluded, rec.CreatedAt.UnixMilli(), s.clock.Now().UnixMilli(),
	)
	if err != nil {
		// Drop the cached copy: the row may or may not match it now.
		s.mu.Lock()
		delete(s.cache, rec.UserID)
		s.mu.Unlock()
		return store.Wrap("save entitlement", err)
	}
	s.mu.Lock()
	s.cache[rec.UserID] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, store.Wrap(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(op, err)
	}
	return ids, nil
}
