package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoTransport is wrapped in the DeliveryError returned for a user no
// registered transport owns.
var ErrNoTransport = errors.New("transport: no transport owns user")

// Mux is a Sender that routes each call to the first transport owning the
// user id.
type Mux struct {
	transports []Transport
}

// NewMux creates a Mux over ts, consulted in order.
func NewMux(ts ...Transport) *Mux {
	return &Mux{transports: ts}
}

// Transports returns the registered transports.
func (m *Mux) Transports() []Transport { return m.transports }

func (m *Mux) route(userID int64) (Transport, error) {
	for _, t := range m.transports {
		if t.Owns(userID) {
			return t, nil
		}
	}
	return nil, &DeliveryError{UserID: userID, Err: fmt.Errorf("%w %d", ErrNoTransport, userID)}
}

func (m *Mux) Send(ctx context.Context, userID int64, msg Message) error {
	t, err := m.route(userID)
	if err != nil {
		return err
	}
	return t.Send(ctx, userID, msg)
}

func (m *Mux) SendText(ctx context.Context, userID int64, text string) error {
	t, err := m.route(userID)
	if err != nil {
		return err
	}
	return t.SendText(ctx, userID, text)
}

func (m *Mux) SendDocument(ctx context.Context, userID int64, doc Document, caption string) error {
	t, err := m.route(userID)
	if err != nil {
		return err
	}
	return t.SendDocument(ctx, userID, doc, caption)
}

func (m *Mux) DeleteMessage(ctx context.Context, userID int64, messageID string) error {
	t, err := m.route(userID)
	if err != nil {
		return err
	}
	return t.DeleteMessage(ctx, userID, messageID)
}

func (m *Mux) Typing(ctx context.Context, userID int64) error {
	t, err := m.route(userID)
	if err != nil {
		return err
	}
	return t.Typing(ctx, userID)
}

var _ Sender = (*Mux)(nil)
