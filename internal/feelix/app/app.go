// Package app wires the Feelix components together and runs them until
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/crypto"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/bot"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/feedback"
	"github.com/bdobrica/feelix/internal/feelix/ledger"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/memory"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/quota"
	"github.com/bdobrica/feelix/internal/feelix/store"
	"github.com/bdobrica/feelix/internal/feelix/summarizer"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/sweep"
	"github.com/bdobrica/feelix/internal/feelix/transport"
	"github.com/bdobrica/feelix/internal/feelix/transport/matrix"
	"github.com/bdobrica/feelix/internal/feelix/transport/telegram"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string
	// MasterKey enables at-rest sealing of ledgers and recall vectors when
	// set. It must be 32 bytes.
	MasterKey []byte
	// Profile is the bot profile. Defaults to profile.Default().
	Profile *profile.Profile

	Telegram telegram.Config
	// Matrix enables the Matrix transport when non-nil.
	Matrix *matrix.Config

	LLM llm.Config
	// Embedding enables semantic recall when APIKey is set.
	Embedding memory.OpenAIEmbedderConfig
	Recall    memory.RecallConfig

	Bot bot.Config
	// DailyBudget is the per-window character budget. Zero disables the
	// lockout.
	DailyBudget int
	// WindowLength defaults to 24h.
	WindowLength time.Duration
	// TrialDays defaults to 30.
	TrialDays int
	// SummarizeThreshold defaults to ledger.DefaultSummarizeThreshold.
	SummarizeThreshold int

	// SweepEnabled turns on the inactivity sweep.
	SweepEnabled bool
	Sweep        sweep.Config

	// SurveyInterval paces survey broadcasts.
	SurveyInterval time.Duration

	// HTTPAddr is the TCP address for the health/status/metrics server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string

	Logger *slog.Logger
}

// App is the main Feelix application.
type App struct {
	config       Config
	logger       *slog.Logger
	store        *store.Store
	registry     *prometheus.Registry
	telegram     *telegram.Adapter
	mux          *transport.Mux
	entitlements *entitlement.Store
	bot          *bot.Bot
	sweeper      *sweep.Sweeper
	healthServer *HealthServer
}

// New creates the application. Transports do not connect until Run.
func New(cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Profile == nil {
		cfg.Profile = profile.Default()
	}
	log := cfg.Logger
	prof := cfg.Profile
	clk := clock.System{}

	log.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	db := st.DB()

	var sealer *crypto.Sealer
	if len(cfg.MasterKey) > 0 {
		sealer, err = crypto.NewSealer(cfg.MasterKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: master key: %w", err)
		}
		log.Info("at-rest sealing enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metrics.UsersGauge(reg, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := st.UserCount(ctx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	model, err := llm.New(withLogger(cfg.LLM, log))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: model client: %w", err)
	}

	ents := entitlement.NewStore(db, entitlement.Config{
		DailyBudget:  cfg.DailyBudget,
		WindowLength: cfg.WindowLength,
		TrialDays:    cfg.TrialDays,
	}, clk, log)
	led := ledger.New(db, ledger.Config{
		Persona:            prof.Persona.SystemPrompt,
		SummaryPreamble:    prof.Persona.SummaryPreamble,
		SummarizeThreshold: cfg.SummarizeThreshold,
		Hint:               genderHint(ents, prof, log),
	}, sealer, clk, log)
	sum := summarizer.New(model, summarizer.Config{
		Instruction:     prof.Summary.Instruction,
		Continuation:    prof.Summary.Continuation,
		FailureUpstream: prof.Summary.FailureUpstream,
		FailureUnknown:  prof.Summary.FailureUnknown,
		Params:          llm.Params(prof.Summary.Params),
	}, log)
	gate := quota.New(ents, quota.Config{
		DailyBudget:   cfg.DailyBudget,
		TrialEnabled:  cfg.Bot.TrialEnabled,
		IsMenuCommand: prof.IsMenuLabel,
	}, log)

	var embedder memory.Embedder = memory.NoopEmbedder{}
	if cfg.Embedding.APIKey != "" {
		embedder = memory.NewOpenAIEmbedder(cfg.Embedding)
		log.Info("semantic recall enabled", "model", cfg.Embedding.Model)
	}
	recall := memory.NewRecall(embedder, memory.NewVectorStore(db, sealer, 0, log), cfg.Recall, clk, log)

	tg := telegram.New(cfg.Telegram, m, log)
	transports := []transport.Transport{tg}
	if cfg.Matrix != nil {
		mx, err := matrix.New(*cfg.Matrix, matrix.NewSyncStore(db), matrix.NewIdentities(db, clk), m, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: matrix: %w", err)
		}
		transports = append(transports, mx)
		log.Info("matrix transport configured", "homeserver", cfg.Matrix.Homeserver)
	}
	mux := transport.NewMux(transports...)

	notifier := audit.NewManagerNotifier(mux, cfg.Bot.Managers, log)
	b := bot.New(cfg.Bot, bot.Deps{
		Profile:      prof,
		Entitlements: ents,
		Ledger:       led,
		Gate:         gate,
		Summarizer:   sum,
		Model:        model,
		Recall:       recall,
		Feedback:     feedback.NewStore(db, clk, log),
		Surveys:      survey.NewService(db, prof.Survey, clk, cfg.SurveyInterval, log),
		Audit:        audit.NewLog(db, clk),
		Notifier:     notifier,
		Sender:       mux,
		Metrics:      m,
		Clock:        clk,
		Logger:       log,
	})

	a := &App{
		config:       cfg,
		logger:       log,
		store:        st,
		registry:     reg,
		telegram:     tg,
		mux:          mux,
		entitlements: ents,
		bot:          b,
	}
	if cfg.SweepEnabled {
		a.sweeper = sweep.New(ents, b, cfg.Sweep, notifier, m, log)
		log.Info("inactivity sweep enabled", "schedule", a.sweeper.Config().Schedule, "threshold", a.sweeper.Config().Threshold)
	}
	if cfg.HTTPAddr != "" {
		names := make([]string, 0, len(transports))
		for _, t := range transports {
			names = append(names, t.Name())
		}
		a.healthServer = NewHealthServer(cfg.HTTPAddr, st, reg, names, log)
		log.Info("health server configured", "addr", cfg.HTTPAddr)
	}
	return a, nil
}

// genderHint builds the ledger's first-contact hint lookup. A failed read
// seeds the ledger without a hint.
func genderHint(ents *entitlement.Store, prof *profile.Profile, log *slog.Logger) func(ctx context.Context, userID int64) string {
	return func(ctx context.Context, userID int64) string {
		rec, err := ents.Get(ctx, userID)
		if err != nil {
			log.Warn("app: gender hint lookup failed", "user", redact.UserTag(userID), "err", err)
			return ""
		}
		return prof.GenderHintFor(string(rec.Gender))
	}
}

func withLogger(c llm.Config, log *slog.Logger) llm.Config {
	if c.Logger == nil {
		c.Logger = log
	}
	return c
}

// Run connects the transports and serves until SIGINT/SIGTERM or until a
// component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.telegram.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect telegram: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.healthServer != nil {
		g.Go(func() error { return a.healthServer.Run(gctx) })
	}
	for _, t := range a.mux.Transports() {
		g.Go(func() error {
			a.logger.Info("starting transport", "transport", t.Name())
			if err := t.Run(gctx, a.bot); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: transport %s: %w", t.Name(), err)
			}
			return nil
		})
	}
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}

	a.logger.Info("Feelix is running; press Ctrl+C to stop")
	err := g.Wait()
	a.logger.Info("shutting down")
	a.bot.Close()
	return err
}

// Close releases the database.
func (a *App) Close() error {
	a.logger.Info("closing database")
	return a.store.Close()
}

// Health returns the HTTP handler, or nil when HTTPAddr is empty.
func (a *App) Health() *HealthServer { return a.healthServer }
