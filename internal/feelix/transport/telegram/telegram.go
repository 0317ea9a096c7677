// Package telegram adapts the Telegram Bot API to transport.Transport.
//
// Telegram private chats share their id with the user, so the transport
// user id doubles as the chat id. Updates are received by long polling and
// dispatched on a bounded pool of goroutines.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/retry"
	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/metrics"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

const name = "telegram"

var errNotConnected = errors.New("telegram: not connected")

// API is the subset of *tgbotapi.BotAPI the adapter uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(u tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config holds the adapter settings.
type Config struct {
	Token string
	// Workers bounds concurrent update handling. Defaults to 16.
	Workers int
	// PollTimeout is the long-polling timeout in seconds. Defaults to 60.
	PollTimeout int
	Retry       retry.Config
}

// Adapter is the Telegram transport.
type Adapter struct {
	cfg     Config
	api     API
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Adapter. Call Connect before using it.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, metrics: m, logger: logger.With("channel", name)}
}

// NewWithAPI creates a connected Adapter over api.
func NewWithAPI(api API, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	a := New(cfg, m, logger)
	a.api = api
	return a
}

// Connect authorizes the bot token, retrying transient failures.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.api != nil {
		return nil
	}
	if a.cfg.Token == "" {
		return errors.New("telegram: token not configured")
	}
	var bot *tgbotapi.BotAPI
	err := retry.Do(ctx, a.cfg.Retry, func() error {
		b, err := tgbotapi.NewBotAPI(a.cfg.Token)
		if err != nil {
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 401 {
				return retry.Permanent(err)
			}
			return err
		}
		bot = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("telegram: connect: %w", err)
	}
	a.api = bot
	a.logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return nil
}

// Name implements transport.Transport.
func (a *Adapter) Name() string { return name }

// Owns reports whether userID is a Telegram id. Telegram user ids are
// positive; negative ids belong to other transports.
func (a *Adapter) Owns(userID int64) bool { return userID > 0 }

// Run polls for updates until ctx is done and waits for in-flight
// handlers before returning.
func (a *Adapter) Run(ctx context.Context, h transport.Handler) error {
	if a.api == nil {
		return errNotConnected
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.cfg.PollTimeout
	updates := a.api.GetUpdatesChan(u)

	var g errgroup.Group
	g.SetLimit(a.cfg.Workers)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			a.logger.Info("telegram adapter stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				a.handleUpdate(ctx, h, update)
				return nil
			})
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, h transport.Handler, update tgbotapi.Update) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	switch {
	case update.CallbackQuery != nil:
		a.countUpdate("callback")
		a.handleCallbackQuery(ctx, h, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, h, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, h transport.Handler, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		a.countUpdate("ignored")
		return
	}
	if msg.Text == "" {
		a.countUpdate("ignored")
		return
	}
	a.countUpdate("text")
	evt := transport.TextEvent{
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      msg.Text,
		MessageID: strconv.Itoa(msg.MessageID),
	}
	if err := h.HandleText(ctx, evt); err != nil {
		a.logger.Error("telegram: handle text failed",
			"user", redact.UserTag(evt.UserID), "trace_id", trace.FromContext(ctx), "err", err)
	}
}

func (a *Adapter) handleCallbackQuery(ctx context.Context, h transport.Handler, query *tgbotapi.CallbackQuery) {
	// Answer first to clear the button's loading state.
	if _, err := a.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		a.logger.Debug("telegram: answer callback failed", "err", err)
	}
	if query.From == nil {
		return
	}
	evt := transport.CallbackEvent{
		UserID:     query.From.ID,
		Username:   query.From.UserName,
		Data:       query.Data,
		CallbackID: query.ID,
	}
	if query.Message != nil {
		evt.MessageID = strconv.Itoa(query.Message.MessageID)
	}
	if err := h.HandleCallback(ctx, evt); err != nil {
		a.logger.Error("telegram: handle callback failed",
			"user", redact.UserTag(evt.UserID), "trace_id", trace.FromContext(ctx), "err", err)
	}
}

// Send implements transport.Sender.
func (a *Adapter) Send(_ context.Context, userID int64, msg transport.Message) error {
	if a.api == nil {
		return &transport.DeliveryError{UserID: userID, Err: errNotConnected}
	}
	out := tgbotapi.NewMessage(userID, msg.Text)
	if msg.Markdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	if msg.Keyboard != nil {
		out.ReplyMarkup = keyboardMarkup(*msg.Keyboard)
	}
	_, err := a.api.Send(out)
	return deliveryError(userID, err)
}

// SendText implements transport.Sender.
func (a *Adapter) SendText(ctx context.Context, userID int64, text string) error {
	return a.Send(ctx, userID, transport.Message{Text: text})
}

// SendDocument implements transport.Sender.
func (a *Adapter) SendDocument(_ context.Context, userID int64, doc transport.Document, caption string) error {
	if a.api == nil {
		return &transport.DeliveryError{UserID: userID, Err: errNotConnected}
	}
	out := tgbotapi.NewDocument(userID, tgbotapi.FileBytes{Name: doc.Name, Bytes: doc.Data})
	out.Caption = caption
	_, err := a.api.Send(out)
	return deliveryError(userID, err)
}

// DeleteMessage implements transport.Sender.
func (a *Adapter) DeleteMessage(_ context.Context, userID int64, messageID string) error {
	if a.api == nil {
		return &transport.DeliveryError{UserID: userID, Err: errNotConnected}
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return &transport.DeliveryError{UserID: userID, Err: fmt.Errorf("telegram: bad message id %q", messageID)}
	}
	_, err = a.api.Request(tgbotapi.NewDeleteMessage(userID, id))
	return deliveryError(userID, err)
}

// Typing implements transport.Sender.
func (a *Adapter) Typing(_ context.Context, userID int64) error {
	if a.api == nil {
		return &transport.DeliveryError{UserID: userID, Err: errNotConnected}
	}
	_, err := a.api.Request(tgbotapi.NewChatAction(userID, tgbotapi.ChatTyping))
	return deliveryError(userID, err)
}

func (a *Adapter) countUpdate(kind string) {
	if a.metrics != nil {
		a.metrics.Updates.WithLabelValues(name, kind).Inc()
	}
}

// keyboardMarkup converts a transport keyboard. Reply keyboards are
// resized to fit their labels and stay open between messages.
func keyboardMarkup(kb transport.Keyboard) any {
	if kb.Inline {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
		for _, row := range kb.Rows {
			buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
		return tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(b.Label))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
	}
	markup := tgbotapi.NewReplyKeyboard(rows...)
	markup.ResizeKeyboard = true
	return markup
}

// deliveryError maps Bot API failures. 403 (blocked, deactivated) and
// "chat not found" are permanent.
func deliveryError(userID int64, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && unreachable(apiErr) {
		return &transport.DeliveryError{UserID: userID, Err: fmt.Errorf("%w: %s", transport.ErrUnreachable, apiErr.Message)}
	}
	return &transport.DeliveryError{UserID: userID, Err: err}
}

func unreachable(e *tgbotapi.Error) bool {
	if e.Code == 403 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return e.Code == 400 && (strings.Contains(msg, "chat not found") || strings.Contains(msg, "user not found"))
}

var _ transport.Transport = (*Adapter)(nil)
