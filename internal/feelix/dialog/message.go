// Package dialog holds the message types shared by the ledger, the model
// client and the summarizer.
package dialog

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Role is the author of a message. The zero Role is invalid; only the
// package-level values System, User and Assistant exist.
type Role struct {
	slug string
}

var (
	System    = Role{"system"}
	User      = Role{"user"}
	Assistant = Role{"assistant"}
)

// ParseRole maps a wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case System.slug:
		return System, nil
	case User.slug:
		return User, nil
	case Assistant.slug:
		return Assistant, nil
	}
	return Role{}, fmt.Errorf("dialog: unknown role %q", s)
}

// String returns the wire name ("system", "user", "assistant").
func (r Role) String() string { return r.slug }

// Valid reports whether r is one of the three roles.
func (r Role) Valid() bool { return r.slug != "" }

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("dialog: cannot encode zero role")
	}
	return []byte(r.slug), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown
// roles.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is one entry of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Len is the message size in characters (runes), the unit both ledger
// thresholds are measured in.
func (m Message) Len() int { return utf8.RuneCountInString(m.Content) }

// TotalLen sums Len over msgs.
func TotalLen(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += m.Len()
	}
	return n
}
