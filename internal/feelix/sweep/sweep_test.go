package sweep_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/store/storetest"
	"github.com/bdobrica/feelix/internal/feelix/sweep"
	"github.com/bdobrica/feelix/internal/feelix/transport"
	"github.com/bdobrica/feelix/internal/feelix/transport/transporttest"
)

// fakeNudger sends a fixed text through a Recorder and marks the user
// nudged on success, as the bot does.
type fakeNudger struct {
	mu    sync.Mutex
	rec   *transporttest.Recorder
	store *entitlement.Store
	calls []int64
	fail  map[int64]error
}

func (f *fakeNudger) Nudge(ctx context.Context, userID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	failErr := f.fail[userID]
	f.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if err := f.rec.SendText(ctx, userID, "miss you"); err != nil {
		return err
	}
	return f.store.MarkNudged(ctx, userID)
}

func setup(t *testing.T) (*entitlement.Store, *clock.Manual, *transporttest.Recorder, *fakeNudger) {
	t.Helper()
	db := storetest.New(t).DB()
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	es := entitlement.NewStore(db, entitlement.Config{DailyBudget: 7000}, clk, nil)
	rec := transporttest.New()
	return es, clk, rec, &fakeNudger{rec: rec, store: es, fail: map[int64]error{}}
}

func fastConfig() sweep.Config {
	return sweep.Config{Threshold: 120 * time.Hour, BatchSize: 2, SendInterval: time.Millisecond}
}

func TestRunOnce_NudgesInactiveAndExcludesUnreachable(t *testing.T) {
	ctx := context.Background()
	es, clk, rec, nudger := setup(t)

	require.NoError(t, es.TouchActivity(ctx, 1))
	require.NoError(t, es.TouchActivity(ctx, 2))
	clk.Advance(190 * time.Hour)
	require.NoError(t, es.TouchActivity(ctx, 3))
	clk.Advance(10 * time.Hour)

	rec.Unreachable[1] = true

	s := sweep.New(es, nudger, fastConfig(), nil, nil, nil)
	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweep.Result{Candidates: 2, Sent: 1, Excluded: 1}, res)
	assert.ElementsMatch(t, []int64{1, 2}, nudger.calls)
	assert.Equal(t, []string{"miss you"}, rec.Texts(2))

	r1, err := es.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, r1.SweepExcluded)

	r2, err := es.Get(ctx, 2)
	require.NoError(t, err)
	assert.False(t, r2.SweepExcluded)
	assert.False(t, r2.NudgedAt.IsZero())

	// Nobody is nudged twice for the same silence.
	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
}

func TestRunOnce_ActivityAfterNudgeMakesUserEligibleAgain(t *testing.T) {
	ctx := context.Background()
	es, clk, _, nudger := setup(t)

	require.NoError(t, es.TouchActivity(ctx, 7))
	clk.Advance(121 * time.Hour)
	s := sweep.New(es, nudger, fastConfig(), nil, nil, nil)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	clk.Advance(time.Hour)
	require.NoError(t, es.TouchActivity(ctx, 7))
	clk.Advance(121 * time.Hour)

	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRunOnce_TransientFailureDoesNotExclude(t *testing.T) {
	ctx := context.Background()
	es, clk, _, nudger := setup(t)

	require.NoError(t, es.TouchActivity(ctx, 5))
	clk.Advance(200 * time.Hour)
	nudger.fail[5] = &transport.DeliveryError{UserID: 5, Err: errors.New("timeout")}

	res, err := sweep.New(es, nudger, fastConfig(), nil, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweep.Result{Candidates: 1, Failed: 1}, res)

	rec, err := es.Get(ctx, 5)
	require.NoError(t, err)
	assert.False(t, rec.SweepExcluded)
}

func TestRunOnce_Batches(t *testing.T) {
	ctx := context.Background()
	es, clk, rec, nudger := setup(t)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, es.TouchActivity(ctx, id))
	}
	clk.Advance(200 * time.Hour)

	cfg := fastConfig()
	cfg.Cooldown = 5 * time.Millisecond
	start := time.Now()
	res, err := sweep.New(es, nudger, cfg, nil, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sent)
	assert.Len(t, rec.All(), 5)
	// Three batches of size 2 means two cooldowns.
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRunOnce_CancelledContext(t *testing.T) {
	es, clk, _, nudger := setup(t)
	require.NoError(t, es.TouchActivity(context.Background(), 1))
	clk.Advance(200 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sweep.New(es, nudger, fastConfig(), nil, nil, nil).RunOnce(ctx)
	assert.Error(t, err)
}

func TestRun_RejectsBadSchedule(t *testing.T) {
	es, _, _, nudger := setup(t)
	cfg := fastConfig()
	cfg.Schedule = "not a schedule"
	err := sweep.New(es, nudger, cfg, nil, nil, nil).Run(context.Background())
	assert.ErrorContains(t, err, "schedule")
}

func TestNew_Defaults(t *testing.T) {
	s := sweep.New(nil, nil, sweep.Config{}, nil, nil, nil)
	cfg := s.Config()
	assert.Equal(t, sweep.DefaultThreshold, cfg.Threshold)
	assert.Equal(t, sweep.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, sweep.DefaultSchedule, cfg.Schedule)
}
