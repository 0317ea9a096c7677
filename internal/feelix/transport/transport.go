// Package transport defines how the bot talks to chat networks. Adapters
// live in the telegram and matrix subpackages; Mux routes outbound traffic
// to the adapter that owns a user id.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable marks a recipient the network will never deliver to again
// (blocked the bot, deleted account, left the room).
var ErrUnreachable = errors.New("transport: recipient unreachable")

// DeliveryError is returned when an outbound message could not be sent.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("transport: deliver to %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Unreachable reports whether the failure is permanent.
func (e *DeliveryError) Unreachable() bool { return errors.Is(e.Err, ErrUnreachable) }

// IsUnreachable reports whether err carries ErrUnreachable.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// Button is one keyboard key. Data is empty for reply-keyboard buttons,
// which send their label back as text.
type Button struct {
	Label string
	Data  string
}

// Keyboard is either a persistent reply keyboard (the menu) or an inline
// keyboard whose buttons produce callbacks.
type Keyboard struct {
	Rows   [][]Button
	Inline bool
}

// Message is an outbound text with an optional keyboard.
type Message struct {
	Text     string
	Keyboard *Keyboard
	// Markdown enables light formatting (links, emphasis).
	Markdown bool
}

// Document is an outbound file.
type Document struct {
	Name string
	Data []byte
}

// TextEvent is an inbound text message.
type TextEvent struct {
	UserID    int64
	Username  string
	Text      string
	MessageID string
}

// CallbackEvent is an inline-button press.
type CallbackEvent struct {
	UserID     int64
	Username   string
	Data       string
	MessageID  string
	CallbackID string
}

// Handler consumes inbound events.
type Handler interface {
	HandleText(ctx context.Context, evt TextEvent) error
	HandleCallback(ctx context.Context, evt CallbackEvent) error
}

// Sender delivers outbound traffic. Every method returns *DeliveryError on
// failure.
type Sender interface {
	Send(ctx context.Context, userID int64, msg Message) error
	SendText(ctx context.Context, userID int64, text string) error
	SendDocument(ctx context.Context, userID int64, doc Document, caption string) error
	DeleteMessage(ctx context.Context, userID int64, messageID string) error
	Typing(ctx context.Context, userID int64) error
}

// Transport is a chat network adapter.
type Transport interface {
	Sender
	Name() string
	// Owns reports whether userID belongs to this network.
	Owns(userID int64) bool
	// Run receives events until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}
