package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/observability"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// Operator-facing replies. User-facing texts come from the profile.
const (
	addPremiumUsage   = "Send the user id to upgrade, for example: /add_premium 12345678 [days]"
	badUserID         = "Please give a valid user id."
	premiumGrantedFmt = "User %d is Premium until %s."
	metricUsageFmt    = "Please give a metric name, for example: /%s metric1"
	metricStartedFmt  = "Metric %q started (survey_id=%s). Sending to %d users."
	metricSentFmt     = "Metric %q: sent %d, failed %d, unreachable %d."
	metricUnknownFmt  = "Metric %q not found."
	userWipedFmt      = "User %d wiped."
)

func (b *Bot) registerCommands() {
	b.router.Register("start", RoleUser, b.cmdStart)
	b.router.Register("help", RoleUser, b.cmdHelp)
	b.router.Register("add_premium", RoleManager, b.cmdAddPremium)
	b.router.Register("start_metrics", RoleManager, b.cmdStartMetrics)
	b.router.Register("give_metrics", RoleManager, b.cmdGiveMetrics)
	b.router.Register("wipe", RoleManager, b.cmdWipe)
}

// cmdStart greets the user and (re)starts the gender choice.
func (b *Bot) cmdStart(ctx context.Context, _ *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.Welcome, Markdown: true})
	b.setState(evt.UserID, stateChoosingGender)
	b.askGender(ctx, log, evt.UserID)
	return "", nil
}

func (b *Bot) cmdHelp(ctx context.Context, _ *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	if b.getState(evt.UserID) == stateChoosingGender {
		b.askGender(ctx, log, evt.UserID)
		return "", nil
	}
	rec, err := b.entitlements.Get(ctx, evt.UserID)
	if err != nil {
		return "", err
	}
	b.reply(ctx, log, evt.UserID, transport.Message{Text: b.profile.Texts.Help, Keyboard: b.menu(evt.UserID, rec)})
	return "", nil
}

// cmdAddPremium grants premium: /add_premium <user id> [days].
func (b *Bot) cmdAddPremium(ctx context.Context, cmd *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	arg, ok := cmd.Arg(0)
	if !ok {
		return addPremiumUsage, nil
	}
	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || target == 0 {
		return badUserID, nil
	}
	days := b.cfg.PremiumDays
	if s, ok := cmd.Arg(1); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return addPremiumUsage, nil
		}
		days = n
	}

	rec, err := b.entitlements.MarkPremium(ctx, target, days)
	if err != nil {
		b.recordAudit(ctx, log, audit.Entry{
			ActorID: evt.UserID, Action: audit.KindPremiumGranted, Target: userTarget(target),
			Result: audit.ResultError, ErrorMessage: err.Error(),
		})
		return "", err
	}
	until := formatDate(rec.PremiumUntil)
	log.Info("bot: premium granted", "days", days, "premium_until", rec.PremiumUntil)
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: evt.UserID,
		Action:  audit.KindPremiumGranted,
		Target:  userTarget(target),
		Payload: audit.Payload{"days": days, "premium_until": rec.PremiumUntil},
		Result:  audit.ResultSuccess,
	})
	b.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindPremiumGranted,
		Actor:   evt.UserID,
		Target:  userTarget(target),
		Message: fmt.Sprintf("premium granted for %d days", days),
	})
	if err := b.sender.Send(ctx, target, transport.Message{
		Text:     fmt.Sprintf(b.profile.Texts.PremiumGranted, until),
		Keyboard: b.menu(target, rec),
	}); err != nil {
		log.Warn("bot: premium notice not delivered", "err", err)
	}
	return fmt.Sprintf(premiumGrantedFmt, target, until), nil
}

// cmdStartMetrics opens a survey run and broadcasts its first question in
// the background.
func (b *Bot) cmdStartMetrics(ctx context.Context, cmd *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	metric, ok := cmd.Arg(0)
	if !ok {
		return fmt.Sprintf(metricUsageFmt, cmd.Name), nil
	}
	if err := survey.ValidMetric(metric); err != nil {
		return fmt.Sprintf(metricUsageFmt, cmd.Name), nil
	}
	sv, err := b.surveys.Start(ctx, metric, evt.UserID)
	if err != nil {
		return "", err
	}
	recipients, err := b.entitlements.ListReachable(ctx)
	if err != nil {
		return "", err
	}
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: evt.UserID,
		Action:  audit.KindSurveyStarted,
		Target:  metric,
		Payload: audit.Payload{"survey_id": sv.ID, "recipients": len(recipients)},
		Result:  audit.ResultSuccess,
	})
	b.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindSurveyStarted,
		Actor:   evt.UserID,
		Target:  metric,
		Message: "survey " + sv.ID + " started",
	})
	b.reply(ctx, log, evt.UserID, transport.Message{Text: fmt.Sprintf(metricStartedFmt, metric, sv.ID, len(recipients))})

	manager := evt.UserID
	b.bgWG.Add(1)
	go func() {
		defer b.bgWG.Done()
		res, err := b.surveys.Broadcast(b.bg, b.sender, sv, recipients)
		if err != nil {
			log.Warn("bot: survey broadcast interrupted", "metric", metric, "err", err)
		}
		for _, id := range res.Unreachable {
			if err := b.entitlements.ExcludeFromSweep(b.bg, id); err != nil {
				log.Warn("bot: exclude unreachable user failed", "err", err)
			}
		}
		log.Info("bot: survey broadcast finished", "metric", metric,
			"sent", res.Sent, "failed", res.Failed, "unreachable", len(res.Unreachable))
		msg := fmt.Sprintf(metricSentFmt, metric, res.Sent, res.Failed, len(res.Unreachable))
		if err := b.sender.SendText(b.bg, manager, msg); err != nil {
			log.Warn("bot: broadcast report not delivered", "err", err)
		}
	}()
	return "", nil
}

// cmdGiveMetrics sends the answers of every run of a metric as JSON.
func (b *Bot) cmdGiveMetrics(ctx context.Context, cmd *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	metric, ok := cmd.Arg(0)
	if !ok || survey.ValidMetric(metric) != nil {
		return fmt.Sprintf(metricUsageFmt, cmd.Name), nil
	}
	data, err := b.surveys.Export(ctx, metric)
	if errors.Is(err, survey.ErrUnknownMetric) {
		return fmt.Sprintf(metricUnknownFmt, metric), nil
	}
	if err != nil {
		return "", err
	}
	doc := transport.Document{Name: metric + ".json", Data: data}
	if err := b.sender.SendDocument(ctx, evt.UserID, doc, ""); err != nil {
		log.Warn("bot: metric export delivery failed", "err", err)
	}
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: evt.UserID,
		Action:  audit.KindSurveyExported,
		Target:  metric,
		Payload: audit.Payload{"bytes": len(data)},
		Result:  audit.ResultSuccess,
	})
	return "", nil
}

// cmdWipe deletes a user's live ledger, entitlement record and
// remembered messages. Archived ledgers stay.
func (b *Bot) cmdWipe(ctx context.Context, cmd *Command, evt transport.TextEvent) (string, error) {
	log := observability.ForUser(ctx, b.logger, evt.UserID)
	arg, ok := cmd.Arg(0)
	if !ok {
		return badUserID, nil
	}
	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || target == 0 {
		return badUserID, nil
	}

	// The actor's lock is already held. Taking the target's too waits out
	// an in-flight turn so it cannot recreate charged usage.
	if target != evt.UserID {
		unlock := b.locks.Lock(target)
		defer unlock()
	}
	if err := b.ledger.Wipe(ctx, target); err != nil {
		return "", err
	}
	if err := b.entitlements.Wipe(ctx, target); err != nil {
		return "", err
	}
	if b.recall != nil {
		if err := b.recall.Wipe(ctx, target); err != nil {
			return "", err
		}
	}
	b.setState(target, stateIdle)
	log.Info("bot: user wiped")
	b.recordAudit(ctx, log, audit.Entry{
		ActorID: evt.UserID,
		Action:  audit.KindUserWiped,
		Target:  userTarget(target),
		Result:  audit.ResultSuccess,
	})
	b.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindUserWiped,
		Actor:   evt.UserID,
		Target:  userTarget(target),
		Message: "user wiped",
	})
	return fmt.Sprintf(userWipedFmt, target), nil
}
