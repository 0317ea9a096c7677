// Package transporttest provides an in-memory transport for package tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// Sent is one recorded outbound call.
type Sent struct {
	UserID   int64
	Message  transport.Message
	Document *transport.Document
	Deleted  string
	Typing   bool
}

// Recorder records outbound traffic. Users listed in Unreachable fail with
// transport.ErrUnreachable. It is safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	sent        []Sent
	Unreachable map[int64]bool
	// Fail, when set, is returned for every call to a reachable user.
	Fail error
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{Unreachable: make(map[int64]bool)}
}

// Name implements transport.Transport.
func (r *Recorder) Name() string { return "recorder" }

// Owns accepts every user.
func (r *Recorder) Owns(int64) bool { return true }

// Run blocks until ctx is done.
func (r *Recorder) Run(ctx context.Context, _ transport.Handler) error {
	<-ctx.Done()
	return nil
}

func (r *Recorder) record(s Sent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Unreachable[s.UserID] {
		return &transport.DeliveryError{UserID: s.UserID, Err: transport.ErrUnreachable}
	}
	if r.Fail != nil {
		return &transport.DeliveryError{UserID: s.UserID, Err: r.Fail}
	}
	r.sent = append(r.sent, s)
	return nil
}

func (r *Recorder) Send(_ context.Context, userID int64, msg transport.Message) error {
	return r.record(Sent{UserID: userID, Message: msg})
}

func (r *Recorder) SendText(_ context.Context, userID int64, text string) error {
	return r.record(Sent{UserID: userID, Message: transport.Message{Text: text}})
}

func (r *Recorder) SendDocument(_ context.Context, userID int64, doc transport.Document, caption string) error {
	return r.record(Sent{UserID: userID, Message: transport.Message{Text: caption}, Document: &doc})
}

func (r *Recorder) DeleteMessage(_ context.Context, userID int64, messageID string) error {
	return r.record(Sent{UserID: userID, Deleted: messageID})
}

func (r *Recorder) Typing(_ context.Context, userID int64) error {
	return r.record(Sent{UserID: userID, Typing: true})
}

// All returns every recorded call.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// To returns the recorded messages and documents for one user, skipping
// typing indicators and deletions.
func (r *Recorder) To(userID int64) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.UserID == userID && !s.Typing && s.Deleted == "" {
			out = append(out, s)
		}
	}
	return out
}

// Texts returns the texts sent to one user.
func (r *Recorder) Texts(userID int64) []string {
	var out []string
	for _, s := range r.To(userID) {
		out = append(out, s.Message.Text)
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

var _ transport.Transport = (*Recorder)(nil)
