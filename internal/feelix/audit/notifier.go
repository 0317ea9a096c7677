// Package audit records administrative actions and tells the bot's
// managers about them.
//
// Every admin action (premium grants, trial activations, survey starts,
// user wipes) is written to the audit_log table with the turn's trace id.
// A Notifier additionally sends a short human-readable line to each
// manager.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/feelix/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindPremiumGranted   Kind = "premium.granted"
	KindTrialActivated   Kind = "trial.activated"
	KindSurveyStarted    Kind = "survey.started"
	KindSurveyExported   Kind = "survey.exported"
	KindFeedbackExported Kind = "feedback.exported"
	KindHistoryCleared   Kind = "history.cleared"
	KindUserWiped        Kind = "user.wiped"
	KindSweepExcluded    Kind = "sweep.excluded"
	KindError            Kind = "error"
)

// Event is what a Notifier formats.
type Event struct {
	Kind    Kind
	Actor   int64
	Target  string
	Message string
	// TraceID defaults to the context's trace id.
	TraceID string
}

// Notifier sends audit notifications. Implementations log send failures
// instead of returning them.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the part of a transport the manager notifier needs.
type Sender interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// ManagerNotifier sends each event to every manager.
type ManagerNotifier struct {
	sender   Sender
	managers []int64
	logger   *slog.Logger
}

// NewManagerNotifier creates a ManagerNotifier.
func NewManagerNotifier(sender Sender, managers []int64, logger *slog.Logger) *ManagerNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagerNotifier{sender: sender, managers: managers, logger: logger}
}

// Notify formats evt and sends it to the managers. The actor of the event
// is skipped; they already saw the result.
func (n *ManagerNotifier) Notify(ctx context.Context, evt Event) {
	msg := Format(ctx, evt)
	for _, id := range n.managers {
		if id == evt.Actor {
			continue
		}
		if err := n.sender.SendText(ctx, id, msg); err != nil {
			n.logger.Warn("audit notifier: failed to notify manager", "kind", evt.Kind, "err", err)
		}
	}
}

// Format renders evt as a short notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", kindIcon(evt.Kind), evt.Kind, evt.Message)
	if evt.Target != "" {
		fmt.Fprintf(&b, "\n  target: %s", evt.Target)
	}
	if evt.Actor != 0 {
		fmt.Fprintf(&b, "\n  actor: %d", evt.Actor)
	}
	if tid != "" {
		fmt.Fprintf(&b, "\n  trace: %s", tid)
	}
	return b.String()
}

// Noop is used when notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindPremiumGranted:
		return "⭐"
	case KindTrialActivated:
		return "🎁"
	case KindSurveyStarted, KindSurveyExported:
		return "📊"
	case KindFeedbackExported:
		return "📝"
	case KindHistoryCleared:
		return "🧹"
	case KindUserWiped:
		return "🗑️"
	case KindSweepExcluded:
		return "🚫"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
