package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/dialog"
	"github.com/bdobrica/feelix/internal/feelix/llm"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/observability"
	"github.com/bdobrica/feelix/internal/feelix/quota"
	"github.com/bdobrica/feelix/internal/feelix/summarizer"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// errEmptyReply is returned when the model answers with nothing.
var errEmptyReply = errors.New("bot: model returned an empty reply")

// chat runs one admitted or denied chat turn.
func (b *Bot) chat(ctx context.Context, log *slog.Logger, userID int64, text string) error {
	verdict, rec, err := b.gate.Check(ctx, userID, text)
	if err != nil {
		return err
	}
	if !verdict.Admitted() {
		b.metrics.Turns.WithLabelValues(metrics.TurnDenied).Inc()
		b.reply(ctx, log, userID, transport.Message{Text: b.denyText(verdict), Keyboard: b.menu(userID, rec)})
		return nil
	}

	premium := rec.IsPremium(b.clock.Now())
	hint := b.profile.GenderHintFor(string(rec.Gender))

	lockedPre, err := b.gate.Commit(ctx, userID, premium, utf8.RuneCountInString(text))
	if err != nil {
		return err
	}
	res, err := b.ledger.Append(ctx, userID, dialog.User, text)
	if err != nil {
		return err
	}
	if res.OverLimit {
		if err := b.compact(ctx, log, userID, hint); err != nil {
			return err
		}
	}

	msgs, err := b.ledger.Load(ctx, userID)
	if err != nil {
		return err
	}
	if b.recall != nil {
		msgs = withRecall(msgs, b.recall.Augment(ctx, userID, text))
	}

	reply, err := b.complete(ctx, userID, msgs, true)
	if err != nil {
		// No refund: the pre-flight charge stands and the user's message
		// stays in the ledger.
		log.Warn("bot: completion failed", "err", err)
		b.metrics.Turns.WithLabelValues(metrics.TurnUnavailable).Inc()
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.Apology, Keyboard: b.menu(userID, rec)})
		return nil
	}

	res, err = b.ledger.Append(ctx, userID, dialog.Assistant, reply)
	if err != nil {
		return err
	}
	if res.OverLimit {
		if err := b.compact(ctx, log, userID, hint); err != nil {
			return err
		}
	}
	if err := b.entitlements.TouchActivity(ctx, userID); err != nil {
		return err
	}
	lockedPost, err := b.gate.Commit(ctx, userID, premium, utf8.RuneCountInString(reply))
	if err != nil {
		return err
	}
	if b.recall != nil {
		b.recall.Remember(ctx, userID, text)
	}

	b.metrics.Turns.WithLabelValues(metrics.TurnReplied).Inc()
	log.Debug("bot: replied", "ledger_chars", res.Total, "reply_chars", utf8.RuneCountInString(reply))
	b.reply(ctx, log, userID, transport.Message{Text: reply, Keyboard: b.menu(userID, rec)})

	if lockedPre || lockedPost {
		b.metrics.Lockouts.Inc()
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.DailyLimit, Keyboard: b.menu(userID, rec)})
	}
	return nil
}

// withRecall inserts recalled messages right before the newest message.
func withRecall(msgs, recalled []dialog.Message) []dialog.Message {
	if len(recalled) == 0 || len(msgs) == 0 {
		return msgs
	}
	last := len(msgs) - 1
	out := make([]dialog.Message, 0, len(msgs)+len(recalled))
	out = append(out, msgs[:last]...)
	out = append(out, recalled...)
	return append(out, msgs[last])
}

// compact summarizes the ledger and resets it to the preamble plus the
// summary. A failed summarization still resets, with the failure text.
func (b *Bot) compact(ctx context.Context, log *slog.Logger, userID int64, hint string) error {
	msgs, err := b.ledger.Load(ctx, userID)
	if err != nil {
		return err
	}
	start := time.Now()
	summary, err := b.summarizer.Summarize(ctx, userID, msgs)
	b.metrics.ObserveModelCall("summary", start, err)
	if err != nil {
		var se *summarizer.SummarizationError
		if errors.As(err, &se) {
			log.Warn("bot: summarization degraded", "upstream", se.Upstream(), "err", se.Err)
		} else {
			log.Warn("bot: summarization degraded", "err", err)
		}
		b.metrics.Summarizations.WithLabelValues("degraded").Inc()
	} else {
		b.metrics.Summarizations.WithLabelValues("ok").Inc()
	}
	if err := b.ledger.Reset(ctx, userID, summary, hint); err != nil {
		return err
	}
	log.Info("bot: ledger summarized", "chars_before", dialog.TotalLen(msgs))
	return nil
}

// complete calls the model, refreshing the typing indicator until it
// answers when typing is set.
func (b *Bot) complete(ctx context.Context, userID int64, msgs []dialog.Message, typing bool) (string, error) {
	if typing {
		stop := b.startTyping(ctx, userID)
		defer stop()
	}
	params := llm.Params(b.profile.Chat)
	start := time.Now()
	reply, err := b.model.Complete(ctx, msgs, params)
	b.metrics.ObserveModelCall("chat", start, err)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

// startTyping sends the typing indicator every TypingInterval until the
// returned function is called. The function waits for the loop to exit.
func (b *Bot) startTyping(ctx context.Context, userID int64) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(b.cfg.TypingInterval)
		defer t.Stop()
		for {
			_ = b.sender.Typing(ctx, userID)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (b *Bot) denyText(v quota.Verdict) string {
	h, m := hoursMinutes(v.Remaining)
	if v.Kind == quota.DenyTrialOffered {
		return fmt.Sprintf(b.profile.Texts.TrialOffer, h, m)
	}
	return fmt.Sprintf(b.profile.Texts.Locked, h, m)
}

func hoursMinutes(d time.Duration) (int, int) {
	if d < 0 {
		d = 0
	}
	return int(d / time.Hour), int(d%time.Hour) / int(time.Minute)
}

// Nudge sends a bot-initiated re-engagement message. The reply is kept in
// the ledger and the user is marked nudged only after delivery succeeded.
// Nudges are not charged against the daily budget.
func (b *Bot) Nudge(ctx context.Context, userID int64) error {
	ctx = trace.Ensure(ctx)
	log := observability.ForUser(ctx, b.logger, userID)

	unlock := b.locks.Lock(userID)
	defer unlock()

	rec, err := b.entitlements.Get(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := b.ledger.Load(ctx, userID)
	if err != nil {
		return err
	}
	msgs = append(msgs, dialog.Message{Role: dialog.System, Content: b.profile.Persona.Reengage, Timestamp: b.clock.Now()})
	reply, err := b.complete(ctx, userID, msgs, false)
	if err != nil {
		return fmt.Errorf("bot: nudge: %w", err)
	}
	if err := b.sender.Send(ctx, userID, transport.Message{Text: reply, Keyboard: b.menu(userID, rec)}); err != nil {
		return err
	}
	res, err := b.ledger.Append(ctx, userID, dialog.Assistant, reply)
	if err != nil {
		return err
	}
	if res.OverLimit {
		if err := b.compact(ctx, log, userID, b.profile.GenderHintFor(string(rec.Gender))); err != nil {
			return err
		}
	}
	if err := b.entitlements.MarkNudged(ctx, userID); err != nil {
		return err
	}
	log.Info("bot: nudged")
	return nil
}

var _ transport.Handler = (*Bot)(nil)

