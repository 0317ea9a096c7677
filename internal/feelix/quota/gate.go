// Package quota decides whether an inbound message may reach the model and
// charges admitted turns against the daily budget.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
)

// Kind is the outcome of an evaluation.
type Kind int

const (
	Admit Kind = iota
	DenyLocked
	DenyTrialOffered
)

func (k Kind) String() string {
	switch k {
	case Admit:
		return "admit"
	case DenyLocked:
		return "deny_locked"
	case DenyTrialOffered:
		return "deny_trial_offered"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Verdict is the gate's decision. Remaining is the time left in the
// lockout for the deny kinds.
type Verdict struct {
	Kind      Kind
	Remaining time.Duration
}

// Admitted reports whether the turn may proceed.
func (v Verdict) Admitted() bool { return v.Kind == Admit }

// Charger is the part of the entitlement store the gate charges through.
type Charger interface {
	Get(ctx context.Context, userID int64) (entitlement.Record, error)
	RecordUsage(ctx context.Context, userID int64, delta int) (entitlement.Record, bool, error)
	Now() time.Time
}

// Config configures a Gate.
type Config struct {
	DailyBudget int
	// TrialEnabled turns the lockout reply into a trial offer for users who
	// have not used their trial yet.
	TrialEnabled bool
	// IsMenuCommand reports whether the text is a menu command, which
	// always bypasses the lockout.
	IsMenuCommand func(text string) bool
}

// Gate evaluates and commits quota.
type Gate struct {
	store  Charger
	cfg    Config
	logger *slog.Logger
}

// New creates a Gate.
func New(store Charger, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, cfg: cfg, logger: logger}
}

// Evaluate decides on rec at now. It never charges.
func (g *Gate) Evaluate(rec entitlement.Record, now time.Time, text string) Verdict {
	if rec.IsPremium(now) {
		return Verdict{Kind: Admit}
	}
	if rec.LockedOut(now, g.cfg.DailyBudget) && !g.isMenu(text) {
		remaining := rec.Usage.Window.Remaining(now)
		if g.cfg.TrialEnabled && !rec.FreeTrialUsed {
			return Verdict{Kind: DenyTrialOffered, Remaining: remaining}
		}
		return Verdict{Kind: DenyLocked, Remaining: remaining}
	}
	return Verdict{Kind: Admit}
}

// Check loads the user's record and evaluates it.
func (g *Gate) Check(ctx context.Context, userID int64, text string) (Verdict, entitlement.Record, error) {
	rec, err := g.store.Get(ctx, userID)
	if err != nil {
		return Verdict{}, entitlement.Record{}, fmt.Errorf("quota: check: %w", err)
	}
	v := g.Evaluate(rec, g.store.Now(), text)
	if !v.Admitted() {
		g.logger.Info("quota: denied", "user", redact.UserTag(userID), "verdict", v.Kind.String(), "remaining", v.Remaining)
	}
	return v, rec, nil
}

// Commit charges chars to a non-premium user and reports whether the charge
// opened a lockout. Premium commits are no-ops.
func (g *Gate) Commit(ctx context.Context, userID int64, premium bool, chars int) (bool, error) {
	if premium || chars <= 0 {
		return false, nil
	}
	_, opened, err := g.store.RecordUsage(ctx, userID, chars)
	if err != nil {
		return false, fmt.Errorf("quota: commit: %w", err)
	}
	return opened, nil
}

func (g *Gate) isMenu(text string) bool {
	return g.cfg.IsMenuCommand != nil && g.cfg.IsMenuCommand(text)
}
