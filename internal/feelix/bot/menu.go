package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/feedback"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// handleMenu answers a reply-keyboard press. Menu presses never reach the
// quota gate.
func (b *Bot) handleMenu(ctx context.Context, log *slog.Logger, evt transport.TextEvent, text string, rec entitlement.Record) error {
	m := b.profile.Menu
	uid := evt.UserID
	switch strings.TrimSpace(text) {
	case m.Premium:
		return b.menuPremium(ctx, log, uid, rec)
	case m.Feedback:
		b.setState(uid, stateAwaitingFeedback)
		b.reply(ctx, log, uid, transport.Message{Text: b.profile.Texts.FeedbackPrompt})
		return nil
	case m.ClearHistory:
		return b.menuClear(ctx, log, uid, rec)
	case m.FreeTrial:
		return b.menuTrial(ctx, log, uid, rec)
	case m.GetFeedback:
		return b.menuGetFeedback(ctx, log, uid, rec)
	case m.AddPremium:
		if b.roleOf(uid) != RoleManager {
			b.reply(ctx, log, uid, transport.Message{Text: b.profile.Texts.NotAllowed, Keyboard: b.menu(uid, rec)})
			return nil
		}
		b.reply(ctx, log, uid, transport.Message{Text: addPremiumUsage})
		return nil
	}
	return nil
}

func (b *Bot) menuPremium(ctx context.Context, log *slog.Logger, userID int64, rec entitlement.Record) error {
	text := b.profile.Texts.PremiumInfo
	if rec.IsPremium(b.clock.Now()) {
		text = fmt.Sprintf(b.profile.Texts.PremiumActive, formatDate(rec.PremiumUntil))
	}
	b.reply(ctx, log, userID, transport.Message{Text: text, Keyboard: b.menu(userID, rec)})
	return nil
}

// menuClear archives the ledger. Entitlements are untouched.
func (b *Bot) menuClear(ctx context.Context, log *slog.Logger, userID int64, rec entitlement.Record) error {
	archiveID, err := b.ledger.Clear(ctx, userID)
	if err != nil {
		return err
	}
	log.Info("bot: history cleared", "archive_id", archiveID)
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: userID,
		Action:  audit.KindHistoryCleared,
		Target:  userTarget(userID),
		Payload: audit.Payload{"archive_id": archiveID},
		Result:  audit.ResultSuccess,
	})
	b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.HistoryCleared, Keyboard: b.menu(userID, rec)})
	return nil
}

func (b *Bot) menuTrial(ctx context.Context, log *slog.Logger, userID int64, rec entitlement.Record) error {
	if !b.cfg.TrialEnabled {
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.PremiumInfo, Keyboard: b.menu(userID, rec)})
		return nil
	}
	updated, err := b.entitlements.ConsumeTrial(ctx, userID)
	if errors.Is(err, entitlement.ErrTrialUsed) {
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.TrialUsed, Keyboard: b.menu(userID, rec)})
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("bot: free trial activated", "premium_until", updated.PremiumUntil)
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: userID,
		Action:  audit.KindTrialActivated,
		Target:  userTarget(userID),
		Payload: audit.Payload{"premium_until": updated.PremiumUntil},
		Result:  audit.ResultSuccess,
	})
	b.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindTrialActivated,
		Actor:   userID,
		Target:  userTarget(userID),
		Message: "free trial activated until " + formatDate(updated.PremiumUntil),
	})
	b.reply(ctx, log, userID, transport.Message{
		Text:     fmt.Sprintf(b.profile.Texts.TrialGranted, formatDate(updated.PremiumUntil)),
		Keyboard: b.menu(userID, updated),
	})
	return nil
}

func (b *Bot) menuGetFeedback(ctx context.Context, log *slog.Logger, userID int64, rec entitlement.Record) error {
	if b.roleOf(userID) < RoleAdmin {
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.NotAllowed, Keyboard: b.menu(userID, rec)})
		return nil
	}
	data, err := b.feedback.Export(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		b.reply(ctx, log, userID, transport.Message{Text: b.profile.Texts.FeedbackEmpty, Keyboard: b.menu(userID, rec)})
		return nil
	}
	doc := transport.Document{Name: feedback.ExportFilename, Data: data}
	if err := b.sender.SendDocument(ctx, userID, doc, ""); err != nil {
		log.Warn("bot: feedback export delivery failed", "err", err)
	}
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: userID,
		Action:  audit.KindFeedbackExported,
		Payload: audit.Payload{"bytes": len(data)},
		Result:  audit.ResultSuccess,
	})
	return nil
}
