// Package sweep re-engages users who went quiet.
//
// On every scheduled tick the sweeper lists users inactive for longer than
// the threshold and asks the bot to send each of them one re-engagement
// message. Sends are paced and processed in batches with a cooldown
// between batches. Users the transport reports as unreachable are excluded
// from later sweeps for good.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// Defaults.
const (
	DefaultThreshold    = 120 * time.Hour
	DefaultBatchSize    = 25
	DefaultCooldown     = time.Second
	DefaultSendInterval = 100 * time.Millisecond
	DefaultSchedule     = "@every 1h"
)

// Candidates is the entitlement store as seen by the sweeper.
type Candidates interface {
	ListInactive(ctx context.Context, threshold time.Duration) ([]int64, error)
	ExcludeFromSweep(ctx context.Context, userID int64) error
}

// Nudger sends one bot-initiated message. It returns a
// *transport.DeliveryError when the user cannot be reached.
type Nudger interface {
	Nudge(ctx context.Context, userID int64) error
}

// Config controls the sweep.
type Config struct {
	Threshold    time.Duration
	BatchSize    int
	Cooldown     time.Duration
	SendInterval time.Duration
	// Schedule is a robfig/cron spec such as "@every 1h" or "0 * * * *".
	Schedule string
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.SendInterval <= 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	return c
}

// Result summarises one pass.
type Result struct {
	Candidates int
	Sent       int
	Excluded   int
	Failed     int
}

// Sweeper runs the inactivity sweep.
type Sweeper struct {
	users    Candidates
	nudger   Nudger
	cfg      Config
	notifier audit.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Sweeper. notifier and m may be nil.
func New(users Candidates, nudger Nudger, cfg Config, notifier audit.Notifier, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		users:    users,
		nudger:   nudger,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "sweep"),
	}
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config { return s.cfg }

// RunOnce performs one sweep pass. It stops early, returning ctx.Err(),
// when ctx is cancelled; the partial result is still returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ids, err := s.users.ListInactive(ctx, s.cfg.Threshold)
	if err != nil {
		return Result{}, fmt.Errorf("sweep: list inactive: %w", err)
	}
	res := Result{Candidates: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}
	s.logger.Info("sweep: starting pass", "candidates", len(ids))

	limiter := rate.NewLimiter(rate.Every(s.cfg.SendInterval), 1)
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		if start > 0 && s.cfg.Cooldown > 0 {
			if err := sleep(ctx, s.cfg.Cooldown); err != nil {
				return res, err
			}
		}
		end := min(start+s.cfg.BatchSize, len(ids))
		for _, id := range ids[start:end] {
			if err := limiter.Wait(ctx); err != nil {
				return res, err
			}
			s.nudge(ctx, id, &res)
		}
	}

	s.logger.Info("sweep: pass finished",
		"sent", res.Sent, "excluded", res.Excluded, "failed", res.Failed)
	return res, nil
}

func (s *Sweeper) nudge(ctx context.Context, userID int64, res *Result) {
	err := s.nudger.Nudge(ctx, userID)
	switch {
	case err == nil:
		res.Sent++
		s.count("sent")
	case transport.IsUnreachable(err):
		if xerr := s.users.ExcludeFromSweep(ctx, userID); xerr != nil {
			res.Failed++
			s.count("failed")
			s.logger.Error("sweep: exclude failed", "user", redact.UserTag(userID), "err", xerr)
			return
		}
		res.Excluded++
		s.count("excluded")
		s.logger.Info("sweep: user unreachable, excluded", "user", redact.UserTag(userID))
		s.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindSweepExcluded,
			Target:  fmt.Sprint(userID),
			Message: "unreachable during inactivity sweep",
		})
	default:
		res.Failed++
		s.count("failed")
		s.logger.Warn("sweep: nudge failed", "user", redact.UserTag(userID), "err", err)
	}
}

func (s *Sweeper) count(result string) {
	if s.metrics != nil {
		s.metrics.Nudges.WithLabelValues(result).Inc()
	}
}

// Run schedules RunOnce on cfg.Schedule until ctx is done. A tick that
// fires while the previous pass is still running is skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep: pass failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.logger.Info("sweep: scheduled", "schedule", s.cfg.Schedule, "threshold", s.cfg.Threshold)

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
