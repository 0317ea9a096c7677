// Package bot is the conversation orchestrator. It receives transport
// events, routes commands and menu presses, and runs admitted chat turns
// through the quota gate, the ledger, the model and the summarizer.
//
// Every event is handled under the user's lock, so turns of one user are
// strictly ordered while different users proceed concurrently.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/feedback"
	"github.com/bdobrica/feelix/internal/feelix/keylock"
	"github.com/bdobrica/feelix/internal/feelix/ledger"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/memory"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/observability"
	"github.com/bdobrica/feelix/internal/feelix/quota"
	"github.com/bdobrica/feelix/internal/feelix/summarizer"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// Config holds the orchestrator settings.
type Config struct {
	// Admins may download feedback.
	Admins []int64
	// Managers may grant premium, run surveys and wipe users. They are
	// admins too.
	Managers []int64
	// PremiumDays is the default /add_premium grant. Defaults to 30.
	PremiumDays int
	// TrialEnabled shows the free trial button to eligible users.
	TrialEnabled bool
	// TypingInterval is how often the typing indicator is refreshed while
	// the model works. Defaults to 4 s.
	TypingInterval time.Duration
}

// Deps are the collaborators of a Bot. Recall, Metrics, Notifier, Clock
// and Logger are optional.
type Deps struct {
	Profile      *profile.Profile
	Entitlements *entitlement.Store
	Ledger       *ledger.Ledger
	Gate         *quota.Gate
	Summarizer   *summarizer.Summarizer
	Model        llm.Completer
	Recall       *memory.Recall
	Feedback     *feedback.Store
	Surveys      *survey.Service
	Audit        *audit.Log
	Notifier     audit.Notifier
	Sender       transport.Sender
	Metrics      *metrics.Metrics
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Bot implements transport.Handler and sweep.Nudger.
type Bot struct {
	cfg          Config
	profile      *profile.Profile
	entitlements *entitlement.Store
	ledger       *ledger.Ledger
	gate         *quota.Gate
	summarizer   *summarizer.Summarizer
	model        llm.Completer
	recall       *memory.Recall
	feedback     *feedback.Store
	surveys      *survey.Service
	audit        *audit.Log
	notifier     audit.Notifier
	sender       transport.Sender
	metrics      *metrics.Metrics
	clock        clock.Clock
	logger       *slog.Logger

	router *Router
	locks  keylock.Map

	mu     sync.Mutex
	states map[int64]state

	bg       context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// state is the per-user dialogue state kept between messages.
type state int

const (
	stateIdle state = iota
	stateChoosingGender
	stateAwaitingFeedback
)

// New creates a Bot.
func New(cfg Config, d Deps) *Bot {
	if cfg.PremiumDays <= 0 {
		cfg.PremiumDays = 30
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 4 * time.Second
	}
	if d.Notifier == nil {
		d.Notifier = audit.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	bg, cancel := context.WithCancel(context.Background())
	b := &Bot{
		cfg:          cfg,
		profile:      d.Profile,
		entitlements: d.Entitlements,
		ledger:       d.Ledger,
		gate:         d.Gate,
		summarizer:   d.Summarizer,
		model:        d.Model,
		recall:       d.Recall,
		feedback:     d.Feedback,
		surveys:      d.Surveys,
		audit:        d.Audit,
		notifier:     d.Notifier,
		sender:       d.Sender,
		metrics:      d.Metrics,
		clock:        clock.OrSystem(d.Clock),
		logger:       d.Logger.With("component", "bot"),
		states:       make(map[int64]state),
		bg:           bg,
		bgCancel:     cancel,
	}
	b.router = NewRouter("/", b.roleOf)
	b.registerCommands()
	return b
}

// Close stops background work such as survey broadcasts and waits for it.
func (b *Bot) Close() {
	b.bgCancel()
	b.bgWG.Wait()
}

func (b *Bot) roleOf(userID int64) Role {
	switch {
	case slices.Contains(b.cfg.Managers, userID):
		return RoleManager
	case slices.Contains(b.cfg.Admins, userID):
		return RoleAdmin
	}
	return RoleUser
}

func (b *Bot) getState(userID int64) state {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[userID]
}

func (b *Bot) setState(userID int64, s state) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == stateIdle {
		delete(b.states, userID)
		return
	}
	b.states[userID] = s
}

// HandleText implements transport.Handler.
func (b *Bot) HandleText(ctx context.Context, evt transport.TextEvent) error {
	ctx = trace.Ensure(ctx)
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return nil
	}

	unlock := b.locks.Lock(evt.UserID)
	defer unlock()

	err := b.handleText(ctx, log, evt, text)
	if err == nil {
		return nil
	}
	log.Error("bot: turn failed", "err", err)
	b.metrics.Turns.WithLabelValues(metrics.TurnFailed).Inc()
	b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.Apology, Keyboard: b.menuFallback(evt.UserID)})
	return err
}

func (b *Bot) handleText(ctx context.Context, log *slog.Logger, evt transport.TextEvent, text string) error {
	rec, err := b.entitlements.Get(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if evt.Username != "" && evt.Username != rec.Username {
		if err := b.entitlements.SetUsername(ctx, evt.UserID, evt.Username); err != nil {
			return err
		}
		rec.Username = evt.Username
	}

	if strings.HasPrefix(text, "/") {
		b.metrics.Turns.WithLabelValues(metrics.TurnCommand).Inc()
		return b.handleCommand(ctx, log, evt, text, rec)
	}

	st := b.getState(evt.UserID)
	if st == stateChoosingGender || rec.Gender == entitlement.GenderUnset {
		b.metrics.Turns.WithLabelValues(metrics.TurnOnboarding).Inc()
		return b.onboard(ctx, log, evt.UserID, text, rec)
	}
	if st == stateAwaitingFeedback {
		b.metrics.Turns.WithLabelValues(metrics.TurnFeedback).Inc()
		return b.saveFeedback(ctx, log, evt, text, rec)
	}
	if b.profile.IsMenuLabel(text) {
		b.metrics.Turns.WithLabelValues(metrics.TurnMenu).Inc()
		return b.handleMenu(ctx, log, evt, text, rec)
	}
	return b.chat(ctx, log, evt.UserID, text)
}

func (b *Bot) handleCommand(ctx context.Context, log *slog.Logger, evt transport.TextEvent, text string, rec entitlement.Record) error {
	resp, err := b.router.Route(ctx, text, evt)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.UnknownCommand, Keyboard: b.menu(evt.UserID, rec)})
		return nil
	case errors.Is(err, ErrNotAllowed):
		log.Warn("bot: command not allowed", "text", text)
		b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.NotAllowed, Keyboard: b.menu(evt.UserID, rec)})
		return nil
	case err != nil:
		return err
	}
	if resp != "" {
		b.reply(ctx, log, evt.UserID, transport.Message{Text: resp})
	}
	return nil
}

// onboard runs the gender choice. Nothing here touches quota.
func (b *Bot) onboard(ctx context.Context, log *slog.Logger, userID int64, text string, rec entitlement.Record) error {
	slug, ok := b.profile.GenderFromLabel(text)
	if !ok {
		b.setState(userID, stateChoosingGender)
		b.askGender(ctx, log, userID)
		return nil
	}
	rec, err := b.entitlements.SetGender(ctx, userID, entitlement.Gender(slug))
	if err != nil {
		return err
	}
	b.setState(userID, stateIdle)
	log.Info("bot: gender saved")
	b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.GenderSaved, Keyboard: b.menu(userID, rec)})
	return nil
}

func (b *Bot) askGender(ctx context.Context, log *slog.Logger, userID int64) {
	g := b.profile.Gender
	b.reply(ctx, log, userID, transport.Message{
		Text: b.profile.Texts.AskGender,
		Keyboard: &transport.Keyboard{Rows: [][]transport.Button{
			{{Label: g.Male}, {Label: g.Female}, {Label: g.Undisclosed}},
		}},
	})
}

func (b *Bot) saveFeedback(ctx context.Context, log *slog.Logger, evt transport.TextEvent, text string, rec entitlement.Record) error {
	if _, err := b.feedback.Add(ctx, evt.UserID, rec.Username, text); err != nil {
		return err
	}
	b.setState(evt.UserID, stateIdle)
	log.Info("bot: feedback stored")
	b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.FeedbackThanks, Keyboard: b.menu(evt.UserID, rec)})
	return nil
}

// HandleCallback implements transport.Handler. Only survey buttons
// produce callbacks.
func (b *Bot) HandleCallback(ctx context.Context, evt transport.CallbackEvent) error {
	ctx = trace.Ensure(ctx)
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	if !survey.IsCallback(evt.Data) {
		log.Debug("bot: ignoring callback", "data", evt.Data)
		return nil
	}
	cb, err := survey.ParseCallback(evt.Data)
	if err != nil {
		log.Warn("bot: malformed survey callback", "err", err)
		return nil
	}

	unlock := b.locks.Lock(evt.UserID)
	defer unlock()

	out, err := b.surveys.Answer(ctx, evt.UserID, cb)
	if err != nil {
		log.Error("bot: record survey answer failed", "err", err)
		return err
	}
	b.dropQuestion(ctx, log, evt)
	if out.Stale {
		log.Debug("bot: stale survey answer", "metric", cb.Metric, "survey_id", cb.SurveyID)
		return nil
	}
	b.metrics.SurveyAnswers.WithLabelValues(string(cb.Question)).Inc()

	switch {
	case out.OpenFeedback:
		b.setState(evt.UserID, stateAwaitingFeedback)
		b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.FeedbackPrompt})
	case out.Next != "":
		sv := survey.Survey{Metric: cb.Metric, ID: cb.SurveyID}
		b.reply(ctx, log, evt.UserID, b.surveys.Prompt(sv, out.Next))
	default:
		b.reply(ctx, log, evt.UserID, transport.Message{Text: b.surveys.Thanks()})
	}
	return nil
}

// dropQuestion removes an answered or stale question message.
func (b *Bot) dropQuestion(ctx context.Context, log *slog.Logger, evt transport.CallbackEvent) {
	if evt.MessageID == "" {
		return
	}
	if err := b.sender.DeleteMessage(ctx, evt.UserID, evt.MessageID); err != nil {
		log.Debug("bot: delete survey message failed", "err", err)
	}
}

// reply sends msg and logs delivery failures. A user who cannot be reached
// does not fail the turn.
func (b *Bot) reply(ctx context.Context, log *slog.Logger, userID int64, msg transport.Message) {
	if err := b.sender.Send(ctx, userID, msg); err != nil {
		log.Warn("bot: reply failed", "err", err)
	}
}

// menu builds the main reply keyboard for a user.
func (b *Bot) menu(userID int64, rec entitlement.Record) *transport.Keyboard {
	m := b.profile.Menu
	rows := [][]transport.Button{
		{{Label: m.Premium}},
		{{Label: m.Feedback}},
		{{Label: m.ClearHistory}},
	}
	if b.cfg.TrialEnabled && !rec.FreeTrialUsed && !rec.IsPremium(b.clock.Now()) {
		rows = append(rows, []transport.Button{{Label: m.FreeTrial}})
	}
	role := b.roleOf(userID)
	if role >= RoleAdmin {
		rows = append(rows, []transport.Button{{Label: m.GetFeedback}})
	}
	if role == RoleManager {
		rows = append(rows, []transport.Button{{Label: m.AddPremium}})
	}
	return &transport.Keyboard{Rows: rows}
}

// menuFallback is the menu when the record could not be read.
func (b *Bot) menuFallback(userID int64) *transport.Keyboard {
	return b.menu(userID, entitlement.Record{UserID: userID, FreeTrialUsed: true})
}

// recordAudit writes an audit entry and logs failures.
func (b *Bot) recordAudit(ctx context.Context, log *slog.Logger, e audit.Entry) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Write(ctx, e); err != nil {
		log.Error("bot: audit write failed", "action", e.Action, "err", err)
	}
}

func formatDate(t time.Time) string {
	return t.Format("02.01.2006 15:04")
}

func userTarget(userID int64) string {
	return fmt.Sprint(userID)
}
