package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// Command is a parsed slash command.
type Command struct {
	Name    string
	Args    []string
	RawText string
}

// ErrNotACommand is returned by Parse for texts without the prefix.
var ErrNotACommand = errors.New("bot: not a command")

// ErrUnknownCommand is returned by Route when no handler is registered.
var ErrUnknownCommand = errors.New("bot: unknown command")

// ErrNotAllowed is returned by Route when the sender lacks the role the
// command requires.
var ErrNotAllowed = errors.New("bot: not allowed")

// Role is the privilege a command requires.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleManager
)

// CommandHandler handles one command and returns the reply text. An empty
// reply means the handler already answered.
type CommandHandler func(ctx context.Context, cmd *Command, evt transport.TextEvent) (string, error)

type route struct {
	role    Role
	handler CommandHandler
}

// Router routes slash commands to handlers.
type Router struct {
	prefix string
	routes map[string]route
	roleOf func(userID int64) Role
}

// NewRouter creates a Router. roleOf reports a sender's highest role.
func NewRouter(prefix string, roleOf func(userID int64) Role) *Router {
	return &Router{prefix: prefix, routes: make(map[string]route), roleOf: roleOf}
}

// Register adds a handler for name.
func (r *Router) Register(name string, role Role, h CommandHandler) {
	r.routes[name] = route{role: role, handler: h}
}

// Parse splits text into a command. A bot-name suffix such as
// "/help@feelix_bot" is dropped.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}
	text = strings.TrimPrefix(text, r.prefix)
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	name, _, _ := strings.Cut(parts[0], "@")
	return &Command{Name: strings.ToLower(name), Args: parts[1:], RawText: text}, nil
}

// Route parses text and runs the matching handler.
func (r *Router) Route(ctx context.Context, text string, evt transport.TextEvent) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}
	rt, ok := r.routes[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	if rt.role > RoleUser && !r.allowed(evt.UserID, rt.role) {
		return "", ErrNotAllowed
	}
	return rt.handler(ctx, cmd, evt)
}

// allowed treats managers as admins too.
func (r *Router) allowed(userID int64, need Role) bool {
	if r.roleOf == nil {
		return false
	}
	return r.roleOf(userID) >= need
}

// Arg returns an argument by index.
func (c *Command) Arg(i int) (string, bool) {
	if i < 0 || i >= len(c.Args) {
		return "", false
	}
	return c.Args[i], true
}
