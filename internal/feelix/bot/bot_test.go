package bot_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/bot"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/feedback"
	"github.com/bdobrica/feelix/internal/feelix/ledger"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/quota"
	"github.com/bdobrica/feelix/internal/feelix/store/storetest"
	"github.com/bdobrica/feelix/internal/feelix/summarizer"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/transport"
	"github.com/bdobrica/feelix/internal/feelix/transport/transporttest"
)

const (
	manager = int64(900)
	admin   = int64(800)
	alice   = int64(1)
	bob     = int64(2)
)

// fakeModel answers chat requests with reply and summarization requests
// with summary.
type fakeModel struct {
	mu          sync.Mutex
	instruction string
	reply       string
	chatErr     error
	summary     string
	chats       [][]dialog.Message
	summaries   int

	// When hold is set, chat requests signal started and wait for hold to
	// close. Set both before the first request.
	hold    chan struct{}
	started chan struct{}
}

func (m *fakeModel) Complete(_ context.Context, msgs []dialog.Message, _ llm.Params) (string, error) {
	if m.hold != nil && !(len(msgs) == 3 && msgs[0].Content == m.instruction) {
		m.started <- struct{}{}
		<-m.hold
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(msgs) == 3 && msgs[0].Role == dialog.User && msgs[0].Content == m.instruction {
		m.summaries++
		return m.summary, nil
	}
	m.chats = append(m.chats, msgs)
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return m.reply, nil
}

func (m *fakeModel) lastChat() []dialog.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chats) == 0 {
		return nil
	}
	return m.chats[len(m.chats)-1]
}

type options struct {
	budget    int
	threshold int
	trial     bool
}

type harness struct {
	bot      *bot.Bot
	rec      *transporttest.Recorder
	clk      *clock.Manual
	prof     *profile.Profile
	ents     *entitlement.Store
	ledger   *ledger.Ledger
	model    *fakeModel
	feedback *feedback.Store
	audit    *audit.Log
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	if o.budget == 0 {
		o.budget = 7000
	}
	db := storetest.New(t).DB()
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	prof := profile.Default()
	rec := transporttest.New()

	ents := entitlement.NewStore(db, entitlement.Config{DailyBudget: o.budget}, clk, nil)
	led := ledger.New(db, ledger.Config{
		Persona:            prof.Persona.SystemPrompt,
		SummaryPreamble:    prof.Persona.SummaryPreamble,
		SummarizeThreshold: o.threshold,
		Hint: func(ctx context.Context, userID int64) string {
			r, err := ents.Get(ctx, userID)
			if err != nil {
				return ""
			}
			return prof.GenderHintFor(string(r.Gender))
		},
	}, nil, clk, nil)
	model := &fakeModel{instruction: prof.Summary.Instruction, reply: "I hear you.", summary: "They talked about work."}
	sum := summarizer.New(model, summarizer.Config{
		Instruction:     prof.Summary.Instruction,
		Continuation:    prof.Summary.Continuation,
		FailureUpstream: prof.Summary.FailureUpstream,
		FailureUnknown:  prof.Summary.FailureUnknown,
		Params:          llm.Params(prof.Summary.Params),
	}, nil)
	gate := quota.New(ents, quota.Config{DailyBudget: o.budget, TrialEnabled: o.trial, IsMenuCommand: prof.IsMenuLabel}, nil)
	fb := feedback.NewStore(db, clk, nil)
	al := audit.NewLog(db, clk)

	b := bot.New(bot.Config{
		Admins:         []int64{admin},
		Managers:       []int64{manager},
		TrialEnabled:   o.trial,
		TypingInterval: time.Hour,
	}, bot.Deps{
		Profile:      prof,
		Entitlements: ents,
		Ledger:       led,
		Gate:         gate,
		Summarizer:   sum,
		Model:        model,
		Feedback:     fb,
		Surveys:      survey.NewService(db, prof.Survey, clk, time.Millisecond, nil),
		Audit:        al,
		Sender:       rec,
		Clock:        clk,
	})
	t.Cleanup(b.Close)
	return &harness{bot: b, rec: rec, clk: clk, prof: prof, ents: ents, ledger: led, model: model, feedback: fb, audit: al}
}

func (h *harness) say(t *testing.T, userID int64, text string) {
	t.Helper()
	if err := h.bot.HandleText(context.Background(), transport.TextEvent{UserID: userID, Username: "user", Text: text}); err != nil {
		t.Fatalf("HandleText(%q): %v", text, err)
	}
}

// onboarded registers userID with a gender so chat turns go straight to
// the model.
func (h *harness) onboarded(t *testing.T, userID int64) {
	t.Helper()
	h.say(t, userID, "/start")
	h.say(t, userID, h.prof.Gender.Female)
	h.rec.Reset()
}

func (h *harness) lastText(t *testing.T, userID int64) string {
	t.Helper()
	texts := h.rec.Texts(userID)
	if len(texts) == 0 {
		t.Fatalf("nothing sent to %d", userID)
	}
	return texts[len(texts)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnboarding_AsksGenderBeforeChat(t *testing.T) {
	h := newHarness(t, options{})

	h.say(t, alice, "hello")
	if got := h.lastText(t, alice); got != h.prof.Texts.AskGender {
		t.Fatalf("got %q, want gender question", got)
	}
	if len(h.model.chats) != 0 {
		t.Fatal("model called before onboarding")
	}

	h.say(t, alice, "something else")
	if got := h.lastText(t, alice); got != h.prof.Texts.AskGender {
		t.Fatalf("unrecognized answer: got %q, want gender question again", got)
	}

	h.say(t, alice, h.prof.Gender.Male)
	if got := h.lastText(t, alice); got != h.prof.Texts.GenderSaved {
		t.Fatalf("got %q, want %q", got, h.prof.Texts.GenderSaved)
	}
	rec, err := h.ents.Get(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Gender != entitlement.GenderMale {
		t.Errorf("gender = %q, want male", rec.Gender)
	}
	if rec.Usage.Chars != 0 {
		t.Errorf("onboarding charged %d chars", rec.Usage.Chars)
	}
}

func TestStart_SendsWelcomeAndGenderKeyboard(t *testing.T) {
	h := newHarness(t, options{})
	h.say(t, alice, "/start")

	sent := h.rec.To(alice)
	if len(sent) != 2 {
		t.Fatalf("got %d messages, want 2", len(sent))
	}
	if !sent[0].Message.Markdown || sent[0].Message.Text != h.prof.Texts.Welcome {
		t.Errorf("first message = %+v, want markdown welcome", sent[0].Message)
	}
	kb := sent[1].Message.Keyboard
	if kb == nil || len(kb.Rows) != 1 || len(kb.Rows[0]) != 3 {
		t.Fatalf("gender keyboard = %+v", kb)
	}
	rec, _ := h.ents.Get(context.Background(), alice)
	if rec.Username == "" {
		t.Error("username not stored")
	}
}

func TestChat_ReplySeedsHintAndCharges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)

	h.say(t, alice, "I had a rough day")
	if got := h.lastText(t, alice); got != "I hear you." {
		t.Fatalf("reply = %q", got)
	}

	msgs := h.model.lastChat()
	if len(msgs) != 3 {
		t.Fatalf("model saw %d messages, want persona, hint, user", len(msgs))
	}
	if msgs[1].Content != h.prof.GenderHintFor(profile.GenderFemale) {
		t.Errorf("hint = %q", msgs[1].Content)
	}

	stored, err := h.ledger.Load(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(stored); n != 4 || stored[3].Role != dialog.Assistant {
		t.Fatalf("ledger = %+v", stored)
	}

	rec, _ := h.ents.Get(ctx, alice)
	want := len("I had a rough day") + len("I hear you.")
	if rec.Usage.Chars != want {
		t.Errorf("charged %d chars, want %d", rec.Usage.Chars, want)
	}
	if rec.LastActiveAt.IsZero() {
		t.Error("activity not recorded")
	}
}

func TestChat_LockoutThenDenied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{budget: 20})
	h.onboarded(t, alice)

	h.say(t, alice, "0123456789")
	texts := h.rec.Texts(alice)
	if len(texts) != 2 || texts[1] != h.prof.Texts.DailyLimit {
		t.Fatalf("texts = %q, want reply then daily-limit notice", texts)
	}

	h.rec.Reset()
	h.clk.Advance(time.Hour)
	h.say(t, alice, "are you there?")
	if got, want := h.lastText(t, alice), "You can continue in 23 h 0 min."; !strings.Contains(got, want) {
		t.Errorf("deny text %q does not contain %q", got, want)
	}
	if len(h.model.chats) != 1 {
		t.Errorf("model called %d times, want 1", len(h.model.chats))
	}
	stored, _ := h.ledger.Load(ctx, alice)
	if len(stored) != 4 {
		t.Errorf("denied turn touched the ledger: %d messages", len(stored))
	}

	// Menu presses bypass the lockout.
	h.say(t, alice, h.prof.Menu.Premium)
	if got := h.lastText(t, alice); got != h.prof.Texts.PremiumInfo {
		t.Errorf("premium info = %q", got)
	}

	// The window ends and the user is admitted again.
	h.clk.Advance(23*time.Hour + time.Second)
	h.say(t, alice, "back")
	if got := h.lastText(t, alice); got != "I hear you." {
		t.Errorf("after lockout: %q", got)
	}
}

func TestChat_TrialOfferAndActivation(t *testing.T) {
	h := newHarness(t, options{budget: 20, trial: true})
	h.onboarded(t, alice)
	h.say(t, alice, "0123456789")
	h.rec.Reset()

	h.say(t, alice, "again")
	sent := h.rec.To(alice)
	last := sent[len(sent)-1].Message
	if !strings.Contains(last.Text, h.prof.Menu.FreeTrial) {
		t.Errorf("deny text %q does not offer the trial", last.Text)
	}
	if !hasButton(last.Keyboard, h.prof.Menu.FreeTrial) {
		t.Error("free trial button missing")
	}

	h.say(t, alice, h.prof.Menu.FreeTrial)
	if got := h.lastText(t, alice); !strings.HasPrefix(got, "Your free trial is active until") {
		t.Errorf("trial reply = %q", got)
	}
	h.say(t, alice, "now premium")
	if got := h.lastText(t, alice); got != "I hear you." {
		t.Errorf("premium turn = %q", got)
	}

	h.say(t, alice, h.prof.Menu.FreeTrial)
	if got := h.lastText(t, alice); got != h.prof.Texts.TrialUsed {
		t.Errorf("second trial = %q", got)
	}
}

func TestChat_SummarizesOverThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: len(profile.Default().Persona.SystemPrompt) + 60})
	h.onboarded(t, alice)

	h.say(t, alice, strings.Repeat("a", 80))
	if h.model.summaries == 0 {
		t.Fatal("summarizer not called")
	}
	stored, err := h.ledger.Load(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range stored {
		if m.Role == dialog.System && strings.HasSuffix(m.Content, "They talked about work.") {
			found = true
		}
	}
	if !found {
		t.Errorf("summary not in ledger: %+v", stored)
	}

	// Summarizing is independent of the daily budget.
	rec, _ := h.ents.Get(ctx, alice)
	if rec.LockedOut(h.clk.Now(), 7000) {
		t.Errorf("summarization locked the user out: %+v", rec.Usage)
	}
	h.rec.Reset()
	h.say(t, alice, "still there?")
	if got := h.lastText(t, alice); got != "I hear you." {
		t.Errorf("turn after summarization = %q", got)
	}
}

func TestChat_ModelFailureApologizes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.model.chatErr = &llm.UpstreamError{Status: 502, Message: "bad gateway"}

	h.say(t, alice, "hello")
	if got := h.lastText(t, alice); got != h.prof.Texts.Apology {
		t.Fatalf("got %q, want apology", got)
	}
	stored, _ := h.ledger.Load(ctx, alice)
	if last := stored[len(stored)-1]; last.Role != dialog.User || last.Content != "hello" {
		t.Errorf("user message not kept: %+v", last)
	}
	rec, _ := h.ents.Get(ctx, alice)
	if rec.Usage.Chars != len("hello") {
		t.Errorf("charged %d, want pre-flight only", rec.Usage.Chars)
	}
}

func TestMenu_FeedbackAndExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.onboarded(t, admin)

	h.say(t, admin, h.prof.Menu.GetFeedback)
	if got := h.lastText(t, admin); got != h.prof.Texts.FeedbackEmpty {
		t.Errorf("empty export = %q", got)
	}

	h.say(t, alice, h.prof.Menu.Feedback)
	h.say(t, alice, "More jokes please")
	if got := h.lastText(t, alice); got != h.prof.Texts.FeedbackThanks {
		t.Errorf("thanks = %q", got)
	}
	all, err := h.feedback.List(ctx)
	if err != nil || len(all) != 1 || all[0].Text != "More jokes please" {
		t.Fatalf("feedback = %+v, %v", all, err)
	}

	h.say(t, alice, h.prof.Menu.GetFeedback)
	if got := h.lastText(t, alice); got != h.prof.Texts.NotAllowed {
		t.Errorf("non-admin export = %q", got)
	}

	h.rec.Reset()
	h.say(t, admin, h.prof.Menu.GetFeedback)
	sent := h.rec.To(admin)
	if len(sent) != 1 || sent[0].Document == nil || sent[0].Document.Name != feedback.ExportFilename {
		t.Fatalf("export = %+v", sent)
	}
	if !strings.Contains(string(sent[0].Document.Data), "More jokes please") {
		t.Error("feedback missing from export")
	}
}

func TestMenu_ClearHistoryKeepsEntitlements(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.say(t, alice, "remember this")
	before, _ := h.ents.Get(ctx, alice)

	h.say(t, alice, h.prof.Menu.ClearHistory)
	if got := h.lastText(t, alice); got != h.prof.Texts.HistoryCleared {
		t.Errorf("got %q", got)
	}
	archived, err := h.ledger.Archived(ctx, alice)
	if err != nil || len(archived) != 1 {
		t.Fatalf("archives = %d, %v", len(archived), err)
	}
	after, _ := h.ents.Get(ctx, alice)
	if after.Usage.Chars != before.Usage.Chars {
		t.Errorf("usage changed from %d to %d", before.Usage.Chars, after.Usage.Chars)
	}
}

func TestMenu_AdminButtonsByRole(t *testing.T) {
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.onboarded(t, manager)

	h.say(t, alice, h.prof.Menu.Premium)
	h.say(t, manager, h.prof.Menu.Premium)
	userKB := h.rec.To(alice)[0].Message.Keyboard
	mgrKB := h.rec.To(manager)[0].Message.Keyboard
	if hasButton(userKB, h.prof.Menu.AddPremium) || hasButton(userKB, h.prof.Menu.GetFeedback) {
		t.Error("user sees admin buttons")
	}
	if !hasButton(mgrKB, h.prof.Menu.AddPremium) || !hasButton(mgrKB, h.prof.Menu.GetFeedback) {
		t.Error("manager misses admin buttons")
	}
}

func TestAddPremium(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{budget: 20})
	h.onboarded(t, alice)
	h.onboarded(t, manager)

	h.say(t, alice, "/add_premium 1")
	if got := h.lastText(t, alice); got != h.prof.Texts.NotAllowed {
		t.Errorf("non-manager: %q", got)
	}

	h.say(t, manager, "/add_premium abc")
	if !strings.Contains(h.lastText(t, manager), "valid user id") {
		t.Errorf("bad id reply = %q", h.lastText(t, manager))
	}

	h.say(t, manager, "/add_premium 1 10")
	if got := h.lastText(t, manager); !strings.HasPrefix(got, "User 1 is Premium until") {
		t.Errorf("manager reply = %q", got)
	}
	if got := h.lastText(t, alice); !strings.Contains(got, "Feelix Premium user") {
		t.Errorf("user notice = %q", got)
	}
	rec, _ := h.ents.Get(ctx, alice)
	if want := h.clk.Now().Add(10 * 24 * time.Hour); !rec.PremiumUntil.Equal(want) {
		t.Errorf("premium until %v, want %v", rec.PremiumUntil, want)
	}

	// Premium turns are free.
	h.say(t, alice, strings.Repeat("x", 50))
	rec, _ = h.ents.Get(ctx, alice)
	if rec.Usage.Chars != 0 {
		t.Errorf("premium user charged %d", rec.Usage.Chars)
	}

	entries, err := h.audit.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[0].Action != audit.KindPremiumGranted || entries[0].ActorID != manager {
		t.Errorf("audit = %+v", entries)
	}
}

func TestSurvey_FullRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.onboarded(t, manager)

	h.say(t, manager, "/start_metrics nps")
	var q1 transport.Message
	waitFor(t, func() bool {
		for _, s := range h.rec.To(alice) {
			if s.Message.Keyboard != nil && s.Message.Keyboard.Inline {
				q1 = s.Message
				return true
			}
		}
		return false
	})
	if q1.Text != h.prof.Survey.Questions[0] {
		t.Fatalf("q1 = %q", q1.Text)
	}

	press := func(msg transport.Message, label string) {
		t.Helper()
		for _, b := range msg.Keyboard.Rows[0] {
			if b.Label == label {
				if err := h.bot.HandleCallback(ctx, transport.CallbackEvent{UserID: alice, Data: b.Data, MessageID: "m1"}); err != nil {
					t.Fatal(err)
				}
				return
			}
		}
		t.Fatalf("no button %q", label)
	}
	lastMsg := func() transport.Message {
		sent := h.rec.To(alice)
		return sent[len(sent)-1].Message
	}

	press(q1, "5")
	q2 := lastMsg()
	if q2.Text != h.prof.Survey.Questions[1] {
		t.Fatalf("q2 = %q", q2.Text)
	}
	press(q2, "4")
	q3 := lastMsg()
	press(q3, "3")
	q4 := lastMsg()
	if q4.Text != h.prof.Survey.Questions[3] {
		t.Fatalf("q4 = %q", q4.Text)
	}
	press(q4, h.prof.Survey.Send)
	if got := lastMsg().Text; got != h.prof.Texts.FeedbackPrompt {
		t.Fatalf("after send = %q", got)
	}
	h.say(t, alice, "Great bot")
	if got := h.lastText(t, alice); got != h.prof.Texts.FeedbackThanks {
		t.Errorf("feedback thanks = %q", got)
	}

	deleted := 0
	for _, s := range h.rec.All() {
		if s.UserID == alice && s.Deleted == "m1" {
			deleted++
		}
	}
	if deleted != 4 {
		t.Errorf("deleted %d question messages, want 4", deleted)
	}

	waitFor(t, func() bool {
		for _, text := range h.rec.Texts(manager) {
			if strings.Contains(text, "sent 2, failed 0, unreachable 0") {
				return true
			}
		}
		return false
	})
	h.rec.Reset()
	h.say(t, manager, "/give_metrics nps")
	sent := h.rec.To(manager)
	if len(sent) != 1 || sent[0].Document == nil || sent[0].Document.Name != "nps.json" {
		t.Fatalf("export = %+v", sent)
	}
	var got map[string]map[string]map[string]string
	if err := json.Unmarshal(sent[0].Document.Data, &got); err != nil {
		t.Fatal(err)
	}
	for _, run := range got {
		if answers := run["1"]; answers["q1"] != "5" || answers["q4"] != "send" {
			t.Errorf("answers = %+v", answers)
		}
	}

	h.say(t, manager, "/give_metrics other")
	if got := h.lastText(t, manager); !strings.Contains(got, "not found") {
		t.Errorf("unknown metric = %q", got)
	}
}

func TestSurvey_StaleAnswerDeletesMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)

	stale := survey.Callback{Metric: "nps", SurveyID: "20200101T000000.000", Question: survey.Q1, Choice: "5"}
	if err := h.bot.HandleCallback(ctx, transport.CallbackEvent{UserID: alice, Data: stale.Data(), MessageID: "42"}); err != nil {
		t.Fatal(err)
	}
	all := h.rec.All()
	if len(all) != 1 || all[0].Deleted != "42" {
		t.Errorf("sent = %+v, want only the deletion", all)
	}
}

func TestHandleCallback_IgnoresForeignData(t *testing.T) {
	h := newHarness(t, options{})
	if err := h.bot.HandleCallback(context.Background(), transport.CallbackEvent{UserID: alice, Data: "other|x"}); err != nil {
		t.Fatal(err)
	}
	if len(h.rec.All()) != 0 {
		t.Error("foreign callback produced output")
	}
}

func TestWipe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.onboarded(t, manager)
	h.say(t, alice, "hello")

	h.say(t, manager, "/wipe 1")
	if got := h.lastText(t, manager); got != "User 1 wiped." {
		t.Errorf("got %q", got)
	}
	rec, _ := h.ents.Get(ctx, alice)
	if rec.Gender != entitlement.GenderUnset || rec.Usage.Chars != 0 {
		t.Errorf("record not wiped: %+v", rec)
	}
	msgs, _ := h.ledger.Load(ctx, alice)
	if len(msgs) != 1 {
		t.Errorf("ledger not reseeded: %d messages", len(msgs))
	}
}

func TestWipe_WaitsForTargetTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.onboarded(t, manager)
	h.model.hold = make(chan struct{})
	h.model.started = make(chan struct{}, 1)

	turn := make(chan error, 1)
	go func() {
		turn <- h.bot.HandleText(ctx, transport.TextEvent{UserID: alice, Text: "hello"})
	}()
	<-h.model.started

	wiped := make(chan error, 1)
	go func() {
		wiped <- h.bot.HandleText(ctx, transport.TextEvent{UserID: manager, Text: "/wipe 1"})
	}()
	select {
	case err := <-wiped:
		t.Fatalf("wipe finished while the turn was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.model.hold)
	if err := <-turn; err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := <-wiped; err != nil {
		t.Fatalf("wipe: %v", err)
	}
	rec, _ := h.ents.Get(ctx, alice)
	if rec.Usage.Chars != 0 || rec.Gender != entitlement.GenderUnset {
		t.Errorf("turn left state behind the wipe: %+v", rec)
	}
	msgs, _ := h.ledger.Load(ctx, alice)
	if len(msgs) != 1 {
		t.Errorf("ledger has %d messages, want the reseeded persona only", len(msgs))
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	for _, text := range []string{"/nope", "/", "/ "} {
		h.rec.Reset()
		h.say(t, alice, text)
		if got := h.lastText(t, alice); got != h.prof.Texts.UnknownCommand {
			t.Errorf("%q: got %q", text, got)
		}
	}
}

func TestNudge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	h.onboarded(t, alice)
	h.say(t, alice, "hello")
	h.rec.Reset()
	h.model.reply = "How have you been?"

	if err := h.bot.Nudge(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if got := h.lastText(t, alice); got != "How have you been?" {
		t.Errorf("nudge = %q", got)
	}
	msgs := h.model.lastChat()
	if last := msgs[len(msgs)-1]; last.Role != dialog.System || last.Content != h.prof.Persona.Reengage {
		t.Errorf("last message to model = %+v", last)
	}
	rec, _ := h.ents.Get(ctx, alice)
	if rec.NudgedAt.IsZero() {
		t.Error("not marked nudged")
	}

	h.rec.Unreachable[bob] = true
	err := h.bot.Nudge(ctx, bob)
	if !transport.IsUnreachable(err) {
		t.Errorf("err = %v, want unreachable", err)
	}
	var de *transport.DeliveryError
	if !errors.As(err, &de) {
		t.Errorf("err %T is not a DeliveryError", err)
	}
	rec, _ = h.ents.Get(ctx, bob)
	if !rec.NudgedAt.IsZero() {
		t.Error("undelivered nudge marked")
	}
}

func TestRouterParse(t *testing.T) {
	r := bot.NewRouter("/", nil)
	tests := []struct {
		in       string
		wantName string
		wantArgs int
		wantErr  bool
	}{
		{"/start", "start", 0, false},
		{"/help@feelix_bot", "help", 0, false},
		{"/add_premium 123 30", "add_premium", 2, false},
		{"/START", "start", 0, false},
		{"hello", "", 0, true},
		{"/", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd, err := r.Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.in == "/" && !errors.Is(err, bot.ErrUnknownCommand) {
					t.Errorf("bare prefix: got %v, want ErrUnknownCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Name != tt.wantName || len(cmd.Args) != tt.wantArgs {
				t.Errorf("got %+v", cmd)
			}
		})
	}
}

func hasButton(kb *transport.Keyboard, label string) bool {
	if kb == nil {
		return false
	}
	for _, row := range kb.Rows {
		for _, b := range row {
			if b.Label == label {
				return true
			}
		}
	}
	return false
}
