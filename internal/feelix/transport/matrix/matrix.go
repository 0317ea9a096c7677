// Package matrix adapts a Matrix homeserver to transport.Transport.
//
// Every user talks to the bot in a direct room; the bot joins rooms it is
// invited to. Keyboards are rendered as bracketed labels and a reply that
// matches a label of the last keyboard is treated as a button press.
// End-to-end encryption is not supported.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

const name = "matrix"

const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// Config holds the adapter settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Workers bounds concurrent event handling. Defaults to 8.
	Workers int
}

// Adapter is the Matrix transport.
type Adapter struct {
	cfg        Config
	client     *mautrix.Client
	identities *Identities
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	keyboards map[int64]*transport.Keyboard
}

// New creates an Adapter. syncStore and identities are normally backed by
// the bot database.
func New(cfg Config, syncStore mautrix.SyncStore, identities *Identities, m *metrics.Metrics, logger *slog.Logger) (*Adapter, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if syncStore != nil {
		client.Store = syncStore
	}
	return &Adapter{
		cfg:        cfg,
		client:     client,
		identities: identities,
		metrics:    m,
		logger:     logger.With("channel", name),
		keyboards:  make(map[int64]*transport.Keyboard),
	}, nil
}

// Name implements transport.Transport.
func (a *Adapter) Name() string { return name }

// Owns reports whether userID was allocated to a Matrix user.
func (a *Adapter) Owns(userID int64) bool { return userID < 0 }

// Run syncs until ctx is done, reconnecting with exponential back-off.
func (a *Adapter) Run(ctx context.Context, h transport.Handler) error {
	a.logger.Warn("matrix E2EE is not enabled; messages are transmitted in plaintext")

	var g errgroup.Group
	g.SetLimit(a.cfg.Workers)
	defer func() { _ = g.Wait() }()

	syncer, ok := a.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.handleMembership(ctx, evt)
	})
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		g.Go(func() error {
			a.handleMessage(ctx, h, evt)
			return nil
		})
	})

	backoff := backoffMin
	for {
		err := a.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			a.logger.Info("matrix adapter stopped")
			return nil
		}
		if err == nil {
			return nil
		}
		a.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (a *Adapter) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != a.cfg.UserID {
		return
	}
	if _, err := a.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		a.logger.Warn("matrix: join on invite failed", "room", evt.RoomID, "err", err)
		return
	}
	a.logger.Info("matrix: joined room", "room", evt.RoomID)
}

func (a *Adapter) handleMessage(ctx context.Context, h transport.Handler, evt *event.Event) {
	if evt.Sender == id.UserID(a.cfg.UserID) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || strings.TrimSpace(content.Body) == "" {
		a.countUpdate("ignored")
		return
	}
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	uid, err := a.identities.Resolve(ctx, evt.Sender, evt.RoomID)
	if err != nil {
		a.logger.Error("matrix: resolve sender failed", "err", err)
		return
	}
	localpart, _, _ := evt.Sender.Parse()

	btn, pressed := a.pressed(uid, content.Body)
	if pressed && btn.Data != "" {
		a.countUpdate("callback")
		cb := transport.CallbackEvent{
			UserID:    uid,
			Username:  localpart,
			Data:      btn.Data,
			MessageID: evt.ID.String(),
		}
		if err := h.HandleCallback(ctx, cb); err != nil {
			a.logger.Error("matrix: handle callback failed",
				"user", redact.UserTag(uid), "trace_id", trace.FromContext(ctx), "err", err)
		}
		return
	}
	text := content.Body
	if pressed {
		text = btn.Label
	}

	a.countUpdate("text")
	te := transport.TextEvent{
		UserID:    uid,
		Username:  localpart,
		Text:      text,
		MessageID: evt.ID.String(),
	}
	if err := h.HandleText(ctx, te); err != nil {
		a.logger.Error("matrix: handle text failed",
			"user", redact.UserTag(uid), "trace_id", trace.FromContext(ctx), "err", err)
	}
}

// pressed matches text against the user's last keyboard. An inline
// keyboard is consumed by a match.
func (a *Adapter) pressed(userID int64, text string) (transport.Button, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kb := a.keyboards[userID]
	btn, ok := match(kb, text)
	if ok && kb.Inline {
		delete(a.keyboards, userID)
	}
	return btn, ok
}

func (a *Adapter) remember(userID int64, kb *transport.Keyboard) {
	if kb == nil {
		return
	}
	a.mu.Lock()
	a.keyboards[userID] = kb
	a.mu.Unlock()
}

// Send implements transport.Sender.
func (a *Adapter) Send(ctx context.Context, userID int64, msg transport.Message) error {
	room, err := a.room(ctx, userID)
	if err != nil {
		return err
	}
	body := renderKeyboard(msg.Text, msg.Keyboard)
	var content event.MessageEventContent
	if msg.Markdown {
		content = format.RenderMarkdown(body, true, false)
	} else {
		content = event.MessageEventContent{MsgType: event.MsgText, Body: body}
	}
	if _, err := a.client.SendMessageEvent(ctx, room, event.EventMessage, &content); err != nil {
		return deliveryError(userID, err)
	}
	a.remember(userID, msg.Keyboard)
	return nil
}

// SendText implements transport.Sender.
func (a *Adapter) SendText(ctx context.Context, userID int64, text string) error {
	return a.Send(ctx, userID, transport.Message{Text: text})
}

// SendDocument uploads doc and posts it as a file message.
func (a *Adapter) SendDocument(ctx context.Context, userID int64, doc transport.Document, caption string) error {
	room, err := a.room(ctx, userID)
	if err != nil {
		return err
	}
	upload, err := a.client.UploadBytes(ctx, doc.Data, http.DetectContentType(doc.Data))
	if err != nil {
		return deliveryError(userID, err)
	}
	content := event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     doc.Name,
		FileName: doc.Name,
		URL:      upload.ContentURI.CUString(),
	}
	if caption != "" {
		content.Body = caption
	}
	if _, err := a.client.SendMessageEvent(ctx, room, event.EventMessage, &content); err != nil {
		return deliveryError(userID, err)
	}
	return nil
}

// DeleteMessage redacts an event in the user's room.
func (a *Adapter) DeleteMessage(ctx context.Context, userID int64, messageID string) error {
	room, err := a.room(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := a.client.RedactEvent(ctx, room, id.EventID(messageID)); err != nil {
		return deliveryError(userID, err)
	}
	return nil
}

// Typing implements transport.Sender.
func (a *Adapter) Typing(ctx context.Context, userID int64) error {
	room, err := a.room(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := a.client.UserTyping(ctx, room, true, 5*time.Second); err != nil {
		return deliveryError(userID, err)
	}
	return nil
}

func (a *Adapter) room(ctx context.Context, userID int64) (id.RoomID, error) {
	room, err := a.identities.Room(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		return "", &transport.DeliveryError{UserID: userID, Err: fmt.Errorf("%w: %v", transport.ErrUnreachable, err)}
	}
	if err != nil {
		return "", &transport.DeliveryError{UserID: userID, Err: err}
	}
	return room, nil
}

func (a *Adapter) countUpdate(kind string) {
	if a.metrics != nil {
		a.metrics.Updates.WithLabelValues(name, kind).Inc()
	}
}

// deliveryError maps homeserver failures. M_FORBIDDEN means the bot is no
// longer in the room.
func deliveryError(userID int64, err error) error {
	if errors.Is(err, mautrix.MForbidden) {
		return &transport.DeliveryError{UserID: userID, Err: fmt.Errorf("%w: %v", transport.ErrUnreachable, err)}
	}
	return &transport.DeliveryError{UserID: userID, Err: err}
}

var _ transport.Transport = (*Adapter)(nil)
